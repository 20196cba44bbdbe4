package config

import (
	"runtime"

	"github.com/stone-age-io/svchost/pkg/catalog"
)

// PlatformDefaults returns platform-specific default values
type PlatformDefaults struct {
	LogFile    string
	ConfigPath string
	Account    string
}

// GetPlatformDefaults returns platform-specific defaults based on runtime.GOOS
func GetPlatformDefaults() PlatformDefaults {
	switch runtime.GOOS {
	case "windows":
		return PlatformDefaults{
			LogFile:    `C:\ProgramData\svchost\svchost.log`,
			ConfigPath: `C:\ProgramData\svchost\config.yaml`,
			Account:    catalog.DefaultAccount,
		}
	case "freebsd":
		return PlatformDefaults{
			LogFile:    "/var/log/svchost/svchost.log",
			ConfigPath: "/usr/local/etc/svchost/config.yaml",
		}
	default:
		return PlatformDefaults{
			LogFile:    "/var/log/svchost/svchost.log",
			ConfigPath: "/etc/svchost/config.yaml",
		}
	}
}

// GetDefaultConfigPath returns the platform-specific default config path
func GetDefaultConfigPath() string {
	return GetPlatformDefaults().ConfigPath
}

type defaultSetter interface {
	SetDefault(key string, value interface{})
}

// UpdateConfigDefaults applies platform-specific defaults.
// Called from setDefaults().
func UpdateConfigDefaults(v defaultSetter) {
	defaults := GetPlatformDefaults()
	v.SetDefault("logging.file", defaults.LogFile)
	v.SetDefault("service.account", defaults.Account)
}
