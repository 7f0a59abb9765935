package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStorePath(t *testing.T) {
	sp, err := ParseStorePath("/data/doris")
	require.Nil(t, err)
	require.Equal(t, "/data/doris", sp.Path)
	require.Equal(t, MediumHDD, sp.Medium)
	require.Equal(t, int64(0), sp.CapacityBytes)

	sp, err = ParseStorePath("/data/doris.SSD,200GB")
	require.Nil(t, err)
	require.Equal(t, "/data/doris", sp.Path)
	require.Equal(t, MediumSSD, sp.Medium)
	require.Equal(t, int64(200)*GB, sp.CapacityBytes)

	sp, err = ParseStorePath("/data/doris.hdd")
	require.Nil(t, err)
	require.Equal(t, "/data/doris", sp.Path)
	require.Equal(t, MediumHDD, sp.Medium)

	_, err = ParseStorePath(",200GB")
	require.NotNil(t, err)

	_, err = ParseStorePath("/data/doris,not-a-size")
	require.NotNil(t, err)
}

func TestParseStorePathsRejectsDuplicates(t *testing.T) {
	c := NewDefaultConfig()
	c.StorePaths = []string{"/data/d1", "/data/d1.SSD"}
	_, err := c.ParseStorePaths()
	require.NotNil(t, err)
}

func TestValidate(t *testing.T) {
	c := NewDefaultConfig()
	require.Nil(t, c.Validate())

	c.DefaultRowsetType = "GAMMA"
	require.NotNil(t, c.Validate())
	c.DefaultRowsetType = "BETA"

	c.MaxPercentageOfErrorDisk = 120
	require.NotNil(t, c.Validate())
	c.MaxPercentageOfErrorDisk = 50

	c.MinGarbageSweepIntervalSec = c.MaxGarbageSweepIntervalSec + 1
	require.NotNil(t, c.Validate())
}
