package activo2

// Endpoints groups the vendor URLs and identifiers for one deployment of
// Activo2. The vendor runs a production and a preproduction stack that only
// differ in these values.
type Endpoints struct {
	TokenURL    string `yaml:"token_url" json:"token_url"`
	UserInfoURL string `yaml:"userinfo_url" json:"userinfo_url"`
	ScheduleURL string `yaml:"schedule_url" json:"schedule_url"`

	ClientID       string `yaml:"client_id" json:"client_id"`
	UsernamePrefix string `yaml:"username_prefix" json:"username_prefix"`
}

const (
	grantType    = "password"
	scope        = "openid"
	responseType = "id_token code"
)

// ProductionEndpoints is the live Activo2 deployment.
var ProductionEndpoints = Endpoints{
	TokenURL:       "https://sts.mercadona.es/adfs/oauth2/token/",
	UserInfoURL:    "https://back.activo2.mercadona.com/user/info",
	ScheduleURL:    "https://back.activo2.mercadona.com/mot/v2/schedule?lang=es",
	ClientID:       "06b18d7d-23da-4e41-8654-8ec8704e297e",
	UsernamePrefix: `ofidona.net\`,
}

// PreproductionEndpoints is the vendor's staging deployment.
var PreproductionEndpoints = Endpoints{
	TokenURL:       "https://sts.premercadona.es/adfs/oauth2/token/",
	UserInfoURL:    "https://back.activo2.pre.mercadona.com/user/info",
	ScheduleURL:    "https://back.activo2.pre.mercadona.com/mot/v2/schedule?lang=es",
	ClientID:       "8e6dc338-dcf3-44f6-a443-8f32897641aa",
	UsernamePrefix: `preproduccion.net\`,
}

// EndpointsFor returns the preset for an environment name ("pro" or "pre").
// Unknown names resolve to production.
func EndpointsFor(env string) Endpoints {
	if env == "pre" {
		return PreproductionEndpoints
	}
	return ProductionEndpoints
}

// Merge returns e with every non-empty field of override applied.
func (e Endpoints) Merge(override Endpoints) Endpoints {
	if override.TokenURL != "" {
		e.TokenURL = override.TokenURL
	}
	if override.UserInfoURL != "" {
		e.UserInfoURL = override.UserInfoURL
	}
	if override.ScheduleURL != "" {
		e.ScheduleURL = override.ScheduleURL
	}
	if override.ClientID != "" {
		e.ClientID = override.ClientID
	}
	if override.UsernamePrefix != "" {
		e.UsernamePrefix = override.UsernamePrefix
	}
	return e
}

// Browser fingerprint expected by the vendor's API gateway.
const (
	userAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	appVersion  = "3.16.0"
	referer     = "https://activo2.mercadona.com/"
	acceptValue = "application/json, text/plain, */*"
)

var fingerprintHeaders = [][2]string{
	{"User-Agent", userAgent},
	{"Content-Language", "es"},
	{"Accept", acceptValue},
	{"App-Version", appVersion},
	{"Referer", referer},
	{"sec-ch-ua", `"Not.A/Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`},
	{"sec-ch-ua-mobile", "?0"},
	{"sec-ch-ua-platform", `"Windows"`},
}
