package telegram

import "smeargle/pkg/smeargle"

const (
	// DriverType is the configured driver type token for the Telegram runtime.
	DriverType = "telegram"
	// DriverPlatform is the neutral platform produced by the Telegram runtime.
	DriverPlatform smeargle.Platform = smeargle.PlatformTelegram
)
