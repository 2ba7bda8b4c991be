// Package configloop 实现服务器配置的新鲜度驱动重载循环。
package configloop

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/mtpcore/pkg/interfaces"
	"github.com/dep2p/mtpcore/pkg/lib/log"
)

var logger = log.Logger("core/configloop")

const (
	configBecomesOldIn         = 2 * time.Minute
	configBecomesOldForBlocked = 8 * time.Second
	maxRescheduleInterval      = time.Hour
)

// Loop 驱动配置/CDN 配置/HTTP-unixtime 的加载与续约。
type Loop struct {
	mu sync.Mutex

	loader      interfaces.ConfigLoader
	dcOptions   interfaces.DcOptions
	persistence interfaces.Persistence
	app         interfaces.Application
	lang        interfaces.LanguageManager
	cdnFetcher  func(ctx context.Context) (interfaces.CdnConfig, error)
	timeSync    interfaces.TimeSync

	clk clock.Clock

	loading          bool
	cdnLoading       bool
	timeSyncLoading  bool
	isKeysDestroyer  bool
	blockedMode      bool
	userPhone        string
	lastLoadedAt     time.Time
	expiresAt        time.Time
	expiryTimer      *clock.Timer
}

// Config groups the collaborators the loop needs.
type Config struct {
	Loader          interfaces.ConfigLoader
	DcOptions       interfaces.DcOptions
	Persistence     interfaces.Persistence
	Application     interfaces.Application
	Language        interfaces.LanguageManager
	CDNFetcher      func(ctx context.Context) (interfaces.CdnConfig, error)
	TimeSync        interfaces.TimeSync
	Clock           clock.Clock
	IsKeysDestroyer bool
}

// New creates a config loop in normal (non-keys-destroyer) mode unless
// cfg.IsKeysDestroyer is set, in which case RequestConfig is permanently
// a no-op (§4.6).
func New(cfg Config) *Loop {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Loop{
		loader:          cfg.Loader,
		dcOptions:       cfg.DcOptions,
		persistence:     cfg.Persistence,
		app:             cfg.Application,
		lang:            cfg.Language,
		cdnFetcher:      cfg.CDNFetcher,
		timeSync:        cfg.TimeSync,
		clk:             cfg.Clock,
		isKeysDestroyer: cfg.IsKeysDestroyer,
	}
}

// SetBlockedMode toggles the shorter "old" threshold used by
// RequestConfigIfOld while the account is in blocked mode.
func (l *Loop) SetBlockedMode(blocked bool) {
	l.mu.Lock()
	l.blockedMode = blocked
	l.mu.Unlock()
}

// SetUserPhone forwards the phone number to a config loader already in
// flight, mirroring the original's setPhone passthrough.
func (l *Loop) SetUserPhone(phone string) {
	l.mu.Lock()
	l.userPhone = phone
	l.mu.Unlock()
	l.loader.SetPhone(phone)
}

// RequestConfig starts a load unless one is already running or the
// instance is in keys-destroyer mode.
func (l *Loop) RequestConfig(ctx context.Context) {
	l.mu.Lock()
	if l.loading || l.isKeysDestroyer {
		l.mu.Unlock()
		return
	}
	l.loading = true
	l.mu.Unlock()

	go l.runLoad(ctx)
}

func (l *Loop) runLoad(ctx context.Context) {
	result, err := l.loader.Load(ctx)

	// loading stays set until configLoadDone returns, so a config that is
	// already expired on arrival does not start another load from inside
	// configLoadDone; the next RequestConfig or RequestConfigIfOld does.
	if err != nil {
		logger.Error("failed to get config", "error", err)
	} else {
		l.configLoadDone(result)
	}

	l.mu.Lock()
	l.loading = false
	l.mu.Unlock()
}

func (l *Loop) configLoadDone(cfg interfaces.ServerConfig) {
	now := l.clk.Now()

	l.mu.Lock()
	l.lastLoadedAt = now
	l.mu.Unlock()

	if len(cfg.DcOptions) == 0 {
		logger.Error("config with empty dc_options received")
	} else {
		l.dcOptions.SetFromList(cfg.DcOptions)
	}

	if l.lang != nil {
		l.lang.SetSuggestedLanguage(cfg.SuggestedLang)
		l.lang.SetCurrentVersions(cfg.LangPackVersion, cfg.BaseLangVersion)
	}
	if l.app != nil {
		l.app.ConfigUpdated()
	}
	if cfg.AutoupdateURL != "" && l.persistence != nil {
		l.persistence.WriteAutoupdatePrefix(cfg.AutoupdateURL)
	}
	if l.persistence != nil {
		l.persistence.WriteSettings()
	}

	l.mu.Lock()
	l.blockedMode = cfg.BlockedMode
	l.expiresAt = time.Unix(cfg.Expires, 0)
	l.mu.Unlock()

	l.requestConfigIfExpired(context.Background())
}

// requestConfigIfExpired reschedules itself at min(expiresAt-now, 1h), or
// immediately triggers a fresh load once the deadline has passed.
func (l *Loop) requestConfigIfExpired(ctx context.Context) {
	l.mu.Lock()
	requestIn := l.expiresAt.Sub(l.clk.Now())
	if l.expiryTimer != nil {
		l.expiryTimer.Stop()
		l.expiryTimer = nil
	}
	l.mu.Unlock()

	if requestIn > 0 {
		if requestIn > maxRescheduleInterval {
			requestIn = maxRescheduleInterval
		}
		l.mu.Lock()
		l.expiryTimer = l.clk.AfterFunc(requestIn, func() { l.requestConfigIfExpired(ctx) })
		l.mu.Unlock()
		return
	}
	l.RequestConfig(ctx)
}

// RequestConfigIfOld triggers a reload if the last successful load is
// older than the freshness threshold (2 minutes normally, 8 seconds in
// blocked mode).
func (l *Loop) RequestConfigIfOld(ctx context.Context) {
	l.mu.Lock()
	threshold := configBecomesOldIn
	if l.blockedMode {
		threshold = configBecomesOldForBlocked
	}
	old := l.clk.Now().Sub(l.lastLoadedAt) >= threshold
	l.mu.Unlock()

	if old {
		l.RequestConfig(ctx)
	}
}

// RequestCDNConfig is a one-shot help.GetCdnConfig fetch feeding the
// DC-options CDN table. A no-op if one is already in flight or no main
// DC has been selected yet.
func (l *Loop) RequestCDNConfig(ctx context.Context, mainDcSelected bool) {
	l.mu.Lock()
	if l.cdnLoading || !mainDcSelected || l.cdnFetcher == nil {
		l.mu.Unlock()
		return
	}
	l.cdnLoading = true
	l.mu.Unlock()

	go func() {
		data, err := l.cdnFetcher(ctx)
		l.mu.Lock()
		l.cdnLoading = false
		l.mu.Unlock()
		if err != nil {
			logger.Error("failed to get cdn config", "error", err)
			return
		}
		l.dcOptions.SetCDNConfig(data)
		if l.persistence != nil {
			l.persistence.WriteSettings()
		}
	}()
}

// SyncHTTPUnixtime starts a one-shot trusted-time fetch unless one is
// already running.
func (l *Loop) SyncHTTPUnixtime(ctx context.Context, httpTimeAlreadyValid bool) {
	l.mu.Lock()
	if httpTimeAlreadyValid || l.timeSyncLoading || l.timeSync == nil {
		l.mu.Unlock()
		return
	}
	l.timeSyncLoading = true
	l.mu.Unlock()

	go func() {
		_, err := l.timeSync.Fetch(ctx)
		l.mu.Lock()
		l.timeSyncLoading = false
		l.mu.Unlock()
		if err != nil {
			logger.Debug("http unixtime sync failed", "error", err)
		}
	}()
}

// LastLoadedAt returns when the config was last successfully refreshed.
func (l *Loop) LastLoadedAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastLoadedAt
}

// ExpiresAt returns the deadline at which the current config is
// considered expired.
func (l *Loop) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}
