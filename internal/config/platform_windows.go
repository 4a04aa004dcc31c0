package config

func defaultPolicyRefreshCommand() string {
	return "gpupdate /force"
}
