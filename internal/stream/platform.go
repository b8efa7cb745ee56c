package stream

import "strings"

// Platform identifies the publishing service behind an RTMP url.
type Platform string

const (
	PlatformYouTube   Platform = "youtube"
	PlatformFacebook  Platform = "facebook"
	PlatformTwitch    Platform = "twitch"
	PlatformTikTok    Platform = "tiktok"
	PlatformInstagram Platform = "instagram"
	PlatformShopee    Platform = "shopee"
	PlatformRestream  Platform = "restream"
	PlatformCustom    Platform = "custom"
)

var platformHosts = []struct {
	needle   string
	platform Platform
}{
	{"youtube.com", PlatformYouTube},
	{"facebook.com", PlatformFacebook},
	{"twitch.tv", PlatformTwitch},
	{"tiktok.com", PlatformTikTok},
	{"instagram.com", PlatformInstagram},
	{"shopee", PlatformShopee},
	{"restream.io", PlatformRestream},
}

// DetectPlatform guesses the platform from an ingest url.
func DetectPlatform(rtmpURL string) Platform {
	u := strings.ToLower(strings.TrimSpace(rtmpURL))
	if u == "" {
		return ""
	}
	for _, h := range platformHosts {
		if strings.Contains(u, h.needle) {
			return h.platform
		}
	}
	return PlatformCustom
}
