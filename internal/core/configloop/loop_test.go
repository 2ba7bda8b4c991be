package configloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/mtpcore/pkg/interfaces"
)

type fakeLoader struct {
	mu      sync.Mutex
	calls   int
	phone   string
	result  interfaces.ServerConfig
	err     error
	release chan struct{}
}

func (f *fakeLoader) SetPhone(phone string) {
	f.mu.Lock()
	f.phone = phone
	f.mu.Unlock()
}

func (f *fakeLoader) Load(ctx context.Context) (interfaces.ServerConfig, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.release != nil {
		<-f.release
	}
	return f.result, f.err
}

func (f *fakeLoader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDcOptions struct {
	mu   sync.Mutex
	list []interfaces.DcOption
	cdn  interfaces.CdnConfig
}

func (d *fakeDcOptions) SetFromList(list []interfaces.DcOption) {
	d.mu.Lock()
	d.list = list
	d.mu.Unlock()
}
func (d *fakeDcOptions) SetCDNConfig(data interfaces.CdnConfig) {
	d.mu.Lock()
	d.cdn = data
	d.mu.Unlock()
}
func (d *fakeDcOptions) DcType(interfaces.DcId) interfaces.DcType { return 0 }

func (d *fakeDcOptions) snapshot() []interfaces.DcOption {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.list
}

type fakePersistence struct {
	mu       sync.Mutex
	wrote    int
	autoprfx string
}

func (p *fakePersistence) WriteMtpData() {}
func (p *fakePersistence) WriteSettings() {
	p.mu.Lock()
	p.wrote++
	p.mu.Unlock()
}
func (p *fakePersistence) WriteAutoupdatePrefix(prefix string) {
	p.mu.Lock()
	p.autoprfx = prefix
	p.mu.Unlock()
}

type fakeApp struct {
	mu      sync.Mutex
	updated int
}

func (a *fakeApp) BadMtprotoConfigurationError() {}
func (a *fakeApp) RefreshGlobalProxy()            {}
func (a *fakeApp) ConfigUpdated() {
	a.mu.Lock()
	a.updated++
	a.mu.Unlock()
}

func newTestLoop(loader *fakeLoader, clk clock.Clock) (*Loop, *fakeDcOptions, *fakePersistence, *fakeApp) {
	dc := &fakeDcOptions{}
	pers := &fakePersistence{}
	app := &fakeApp{}
	l := New(Config{
		Loader:      loader,
		DcOptions:   dc,
		Persistence: pers,
		Application: app,
		Clock:       clk,
	})
	return l, dc, pers, app
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	assert.Eventually(t, cond, time.Second, time.Millisecond)
}

func TestRequestConfigLoadsAndAppliesDcOptions(t *testing.T) {
	mock := clock.NewMock()
	loader := &fakeLoader{result: interfaces.ServerConfig{
		DcOptions: []interfaces.DcOption{{DcId: 2, IP: "1.2.3.4", Port: 443}},
		Expires:   mock.Now().Add(time.Hour).Unix(),
	}}
	l, dc, pers, app := newTestLoop(loader, mock)

	l.RequestConfig(context.Background())
	waitFor(t, func() bool { return loader.callCount() == 1 })
	waitFor(t, func() bool { return len(dc.snapshot()) == 1 })

	assert.Equal(t, 1, app.updated)
	assert.GreaterOrEqual(t, pers.wrote, 1)
	assert.False(t, l.LastLoadedAt().IsZero())
}

func TestRequestConfigIsNoOpWhileLoading(t *testing.T) {
	mock := clock.NewMock()
	release := make(chan struct{})
	loader := &fakeLoader{release: release, result: interfaces.ServerConfig{
		DcOptions: []interfaces.DcOption{{DcId: 2}},
		Expires:   mock.Now().Add(time.Hour).Unix(),
	}}
	l, _, _, _ := newTestLoop(loader, mock)

	l.RequestConfig(context.Background())
	waitFor(t, func() bool { return loader.callCount() == 1 })

	l.RequestConfig(context.Background())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, loader.callCount())

	close(release)
}

func TestRequestConfigIsNoOpInKeysDestroyerMode(t *testing.T) {
	mock := clock.NewMock()
	loader := &fakeLoader{}
	l := New(Config{Loader: loader, DcOptions: &fakeDcOptions{}, Clock: mock, IsKeysDestroyer: true})

	l.RequestConfig(context.Background())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, loader.callCount())
}

func TestRequestConfigIfOldUsesNormalThreshold(t *testing.T) {
	mock := clock.NewMock()
	loader := &fakeLoader{}
	l, _, _, _ := newTestLoop(loader, mock)

	l.RequestConfigIfOld(context.Background())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, loader.callCount())
}

func TestRequestConfigIfOldRespectsBlockedThreshold(t *testing.T) {
	mock := clock.NewMock()
	loader := &fakeLoader{}
	l, _, _, _ := newTestLoop(loader, mock)
	l.SetBlockedMode(true)

	l.mu.Lock()
	l.lastLoadedAt = mock.Now()
	l.mu.Unlock()

	l.RequestConfigIfOld(context.Background())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, loader.callCount())

	mock.Add(configBecomesOldForBlocked + time.Second)
	l.RequestConfigIfOld(context.Background())
	waitFor(t, func() bool { return loader.callCount() == 1 })
}

func TestConfigReloadsWhenExpired(t *testing.T) {
	mock := clock.NewMock()
	loader := &fakeLoader{result: interfaces.ServerConfig{
		DcOptions: []interfaces.DcOption{{DcId: 2}},
		Expires:   5,
	}}
	l, _, _, _ := newTestLoop(loader, mock)

	l.RequestConfig(context.Background())
	waitFor(t, func() bool { return loader.callCount() == 1 })

	mock.Add(6 * time.Second)
	waitFor(t, func() bool { return loader.callCount() == 2 })
}

func TestRequestCDNConfigNoOpWithoutMainDc(t *testing.T) {
	mock := clock.NewMock()
	fetched := 0
	var mu sync.Mutex
	l := New(Config{
		DcOptions: &fakeDcOptions{},
		Clock:     mock,
		CDNFetcher: func(ctx context.Context) (interfaces.CdnConfig, error) {
			mu.Lock()
			fetched++
			mu.Unlock()
			return interfaces.CdnConfig{}, nil
		},
	})

	l.RequestCDNConfig(context.Background(), false)
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, fetched)
	mu.Unlock()

	l.RequestCDNConfig(context.Background(), true)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fetched == 1
	})
}

func TestSyncHTTPUnixtimeSkippedWhenAlreadyValid(t *testing.T) {
	mock := clock.NewMock()
	calls := 0
	var mu sync.Mutex
	l := New(Config{
		DcOptions: &fakeDcOptions{},
		Clock:     mock,
		TimeSync: fakeTimeSyncFunc(func(ctx context.Context) (time.Time, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return mock.Now(), nil
		}),
	})

	l.SyncHTTPUnixtime(context.Background(), true)
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, calls)
	mu.Unlock()

	l.SyncHTTPUnixtime(context.Background(), false)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	})
}

type fakeTimeSyncFunc func(ctx context.Context) (time.Time, error)

func (f fakeTimeSyncFunc) Fetch(ctx context.Context) (time.Time, error) { return f(ctx) }

func TestSetUserPhoneForwardsToLoader(t *testing.T) {
	mock := clock.NewMock()
	loader := &fakeLoader{}
	l, _, _, _ := newTestLoop(loader, mock)

	l.SetUserPhone("+15551234")
	loader.mu.Lock()
	defer loader.mu.Unlock()
	require.Equal(t, "+15551234", loader.phone)
}
