//go:build !windows

package config

func defaultPolicyRefreshCommand() string {
	return ""
}
