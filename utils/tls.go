package utils

import (
	"fmt"

	"github.com/bogdanfinn/fhttp/http2"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
	tls "github.com/bogdanfinn/utls"
)

// Same JA3 the browser sessions present, so oracle and detector traffic
// from a worker host looks like the crawler's own Chrome.
const chromeJA3 = "771,4865-4866-4867-49195-49199-49196-49200-52393-52392-49171-49172-156-157-47-53,11-10-51-43-16-17613-0-45-27-65037-18-5-13-35-23-65281-41,4588-29-23-24,0"

func ChromeProfile() (profiles.ClientProfile, error) {
	signatureAlgorithms := []string{
		"ECDSAWithP256AndSHA256",
		"PSSWithSHA256",
		"PKCS1WithSHA256",
		"ECDSAWithP384AndSHA384",
		"PSSWithSHA384",
		"PKCS1WithSHA384",
		"PSSWithSHA512",
		"PKCS1WithSHA512",
	}
	supportedVersions := []string{"GREASE", "1.3", "1.2"}
	supportedGroups := []string{"GREASE", "X25519", "secp256r1", "secp384r1"}

	specFunc, err := tls_client.GetSpecFactoryFromJa3String(
		chromeJA3, signatureAlgorithms, signatureAlgorithms, supportedVersions,
		supportedGroups, []string{"h2", "http/1.1"}, []string{"h2"},
		[]tls_client.CandidateCipherSuites{
			{KdfId: "HKDF_SHA256", AeadId: "AEAD_AES_128_GCM"},
			{KdfId: "HKDF_SHA256", AeadId: "AEAD_AES_256_GCM"},
			{KdfId: "HKDF_SHA256", AeadId: "AEAD_CHACHA20_POLY1305"},
		},
		[]uint16{128, 160, 192, 224}, "brotli",
	)
	if err != nil {
		return profiles.ClientProfile{}, fmt.Errorf("tls spec: %w", err)
	}

	settings := map[http2.SettingID]uint32{
		http2.SettingHeaderTableSize:      65536,
		http2.SettingMaxConcurrentStreams: 1000,
		http2.SettingInitialWindowSize:    6291456,
		http2.SettingMaxHeaderListSize:    262144,
	}
	settingsOrder := []http2.SettingID{
		http2.SettingHeaderTableSize,
		http2.SettingMaxConcurrentStreams,
		http2.SettingInitialWindowSize,
		http2.SettingMaxHeaderListSize,
	}

	return profiles.NewClientProfile(
		tls.ClientHelloID{
			Client:      "Chrome132",
			Version:     "1",
			Seed:        nil,
			SpecFactory: specFunc,
		},
		settings,
		settingsOrder,
		[]string{":method", ":authority", ":scheme", ":path"},
		uint32(15663105),
		nil,
		nil,
	), nil
}

// NewHTTPClient builds the client used for every outbound service call.
func NewHTTPClient(timeoutSeconds int) (tls_client.HttpClient, error) {
	profile, err := ChromeProfile()
	if err != nil {
		profile = profiles.Chrome_124
	}

	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(timeoutSeconds),
		tls_client.WithClientProfile(profile),
		tls_client.WithCookieJar(tls_client.NewCookieJar()),
		tls_client.WithRandomTLSExtensionOrder(),
	}

	client, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}
