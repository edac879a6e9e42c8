package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PortalProfile describes the shape of the utility portal: endpoint paths,
// form field names, success markers, and per-resolution request limits. The
// portal is a third-party ASP.NET site that drifts without notice, so the
// profile is hot-reloadable and every recognized knob lives here instead of
// being hardcoded in the session client.
type PortalProfile struct {
	LoginPath      string
	AccountMarker  string
	WelcomeMarker  string
	DownloadMarker string

	HourlyPath  string
	DailyPath   string
	MonthlyPath string

	HourlyLabel  string
	DailyLabel   string
	MonthlyLabel string

	Fields PortalFields

	HourlyWindowDays  int
	DailyWindowDays   int
	MonthlyWindowDays int

	DateLayout string
	Unit       string
}

// PortalFields names the WebForms inputs the portal expects on login and
// export postbacks.
type PortalFields struct {
	Username     string
	Password     string
	RememberMe   string
	SignIn       string
	ExcelButtonX string
	ExcelButtonY string
	UsageKind    string
	StartDate    string
	EndDate      string
	UnitSelect   string
}

func DefaultPortalProfile() PortalProfile {
	return PortalProfile{
		LoginPath:      "/",
		AccountMarker:  "MY_ACCOUNT_RSF.aspx",
		WelcomeMarker:  "Welcome",
		DownloadMarker: "TRANSACTIONS_EXCEL_DOWNLOAD.ASPX",
		HourlyPath:     "/USE_HOURLY.aspx",
		DailyPath:      "/USE_DAILY.aspx",
		MonthlyPath:    "/USE_BILLED.aspx",
		HourlyLabel:    "Hourly Use",
		DailyLabel:     "Daily Use",
		MonthlyLabel:   "Billed Use",
		Fields: PortalFields{
			Username:     "tb_USER_ID",
			Password:     "tb_USER_PSWD",
			RememberMe:   "cb_REMEMBER_ME",
			SignIn:       "btn_SIGN_IN_BUTTON",
			ExcelButtonX: "img_EXCEL_DOWNLOAD_IMAGE.x",
			ExcelButtonY: "img_EXCEL_DOWNLOAD_IMAGE.y",
			UsageKind:    "tb_DAILY_USE",
			StartDate:    "SD",
			EndDate:      "ED",
			UnitSelect:   "dl_UOM",
		},
		HourlyWindowDays:  1,
		DailyWindowDays:   7,
		MonthlyWindowDays: 730,
		DateLayout:        "01/02/2006",
		Unit:              "GALLONS",
	}
}

type PortalProfileHolder struct {
	current atomic.Value // holds PortalProfile
}

func NewPortalProfileHolder() (*PortalProfileHolder, error) {
	v := viper.New()

	v.SetConfigName("portal")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tidemark/config") // Volume-mounted config
	v.AddConfigPath("/etc/tidemark")            // System config
	v.AddConfigPath(".")                        // Current directory (dev mode)

	// env hanya untuk path override (optional)
	v.SetEnvPrefix("TIDEMARK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPortalProfile()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// if config file not found, use defaults
		v.SetDefault("portal", defaults)
	}

	cfg := defaults
	if err := v.UnmarshalKey("portal", &cfg); err != nil {
		return nil, err
	}
	if err := validatePortalProfile(cfg); err != nil {
		return nil, err
	}

	holder := &PortalProfileHolder{}
	holder.current.Store(cfg)

	// 🔥 HOT RELOAD
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := DefaultPortalProfile()
		if err := v.UnmarshalKey("portal", &updated); err != nil {
			log.Printf("[portal-profile] reload failed: %v", err)
			return
		}
		if err := validatePortalProfile(updated); err != nil {
			log.Printf("[portal-profile] invalid profile ignored: %v", err)
			return
		}
		holder.Replace(updated)
		log.Printf("[portal-profile] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PortalProfileHolder) Get() PortalProfile {
	return h.current.Load().(PortalProfile)
}

// Replace swaps the active profile. Reload goes through here so readers
// always see one consistent profile, never a half-applied mix.
func (h *PortalProfileHolder) Replace(p PortalProfile) {
	h.current.Store(p)
}

// StaticPortalProfileHolder wraps a fixed profile with no file watching.
// For tests and one-shot tooling that must not touch config paths.
func StaticPortalProfileHolder(p PortalProfile) *PortalProfileHolder {
	h := &PortalProfileHolder{}
	h.current.Store(p)
	return h
}

func validatePortalProfile(cfg PortalProfile) error {
	if strings.TrimSpace(cfg.LoginPath) == "" {
		return errors.New("portal.loginPath cannot be empty")
	}
	if cfg.HourlyPath == "" || cfg.DailyPath == "" || cfg.MonthlyPath == "" {
		return errors.New("portal usage paths cannot be empty")
	}
	if cfg.HourlyWindowDays <= 0 || cfg.DailyWindowDays <= 0 || cfg.MonthlyWindowDays <= 0 {
		return errors.New("portal window caps must be positive")
	}
	if cfg.Fields.Username == "" || cfg.Fields.Password == "" {
		return errors.New("portal credential field names cannot be empty")
	}
	if strings.TrimSpace(cfg.DateLayout) == "" {
		return errors.New("portal.dateLayout cannot be empty")
	}
	return nil
}
