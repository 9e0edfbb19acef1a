package devicespec_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/raw-image-builder/internal/devicespec"
)

func TestPartitionTypeTranslationGPT(t *testing.T) {
	for alias, want := range map[string]string{
		devicespec.TypeESP:      devicespec.GPTTypeESP,
		devicespec.TypeLinux:    devicespec.GPTTypeLinux,
		devicespec.TypeBIOSBoot: devicespec.GPTTypeBIOSBoot,
		devicespec.TypeBasic:    devicespec.GPTTypeBasic,
		devicespec.TypeSwap:     devicespec.GPTTypeSwap,
	} {
		got, err := devicespec.PartitionType{Alias: alias}.GPTTypeGUID()
		require.NoError(t, err, alias)
		assert.Equal(t, want, got)
	}

	id := uuid.MustParse("933AC7E1-2EB4-4F13-B844-0E14E2AEF915")
	got, err := devicespec.PartitionType{UUID: &id}.GPTTypeGUID()
	require.NoError(t, err)
	assert.Equal(t, id.String(), got)

	b := byte(0x0c)
	_, err = devicespec.PartitionType{Byte: &b}.GPTTypeGUID()
	assert.Error(t, err)
}

func TestPartitionTypeTranslationMBR(t *testing.T) {
	for alias, want := range map[string]byte{
		devicespec.TypeESP:   0xEF,
		devicespec.TypeLinux: 0x83,
		devicespec.TypeSwap:  0x82,
		devicespec.TypeBasic: 0x07,
	} {
		got, err := devicespec.PartitionType{Alias: alias}.MBRTypeByte()
		require.NoError(t, err, alias)
		assert.Equal(t, want, got)
	}

	// pass-through of arbitrary bytes
	b := byte(0x0c)
	got, err := devicespec.PartitionType{Byte: &b}.MBRTypeByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x0c), got)

	// extended partitions have no place on a raw image
	for _, ext := range []byte{0x05, 0x0F, 0x85, 0xC5} {
		e := ext
		_, err := devicespec.PartitionType{Byte: &e}.MBRTypeByte()
		assert.Error(t, err, "byte %#02x", ext)
	}

	_, err = devicespec.PartitionType{Alias: devicespec.TypeBIOSBoot}.MBRTypeByte()
	assert.Error(t, err)

	id := uuid.MustParse("933AC7E1-2EB4-4F13-B844-0E14E2AEF915")
	_, err = devicespec.PartitionType{UUID: &id}.MBRTypeByte()
	assert.Error(t, err)
}

func TestFilesystemOSType(t *testing.T) {
	for fs, want := range map[devicespec.FilesystemType]string{
		devicespec.FSExt4:  "ext4",
		devicespec.FSXfs:   "xfs",
		devicespec.FSBtrfs: "btrfs",
		devicespec.FSFat32: "vfat",
		devicespec.FSFat16: "vfat",
	} {
		got, err := fs.OSType()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := devicespec.FSNone.OSType()
	assert.Error(t, err)
}

func TestFilesystemCheckLabel(t *testing.T) {
	assert.NoError(t, devicespec.FSFat32.CheckLabel("BOOT"))
	assert.Error(t, devicespec.FSFat32.CheckLabel("waytoolongfatlabel"))
	assert.Error(t, devicespec.FSFat16.CheckLabel("bööt"))
	assert.NoError(t, devicespec.FSExt4.CheckLabel("AOSC OS"))
	assert.Error(t, devicespec.FSExt4.CheckLabel(string(make([]byte, 64))))
}
