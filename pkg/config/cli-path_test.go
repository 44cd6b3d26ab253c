package config_test

import (
	"errors"
	"testing"

	"github.com/WeimengLiu/autoSync/pkg/config"
	"github.com/stretchr/testify/assert"
)

func TestDataDir(t *testing.T) {
	original := config.UserConfigDirectory
	defer func() { config.UserConfigDirectory = original }()

	t.Run("UserConfigDir func returns a directory", func(t *testing.T) {
		config.UserConfigDirectory = func() (string, error) {
			return "user/config/dir", nil
		}

		dir, err := config.DataDir()
		assert.NoError(t, err)
		assert.Equal(t, "user/config/dir/autosync", dir)
	})

	t.Run("UserConfigDir func returns an error", func(t *testing.T) {
		config.UserConfigDirectory = func() (string, error) {
			return "", errors.New("boom")
		}

		dir, err := config.DataDir()
		assert.Equal(t, config.UserConfigDirectoryNotFoundErrorMessage, err.Error())
		assert.Equal(t, "", dir)
	})
}
