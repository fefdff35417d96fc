package daemon

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravwell/kstart/internal/cacheio"
	"github.com/gravwell/kstart/internal/clock"
	"github.com/gravwell/kstart/internal/config"
	"github.com/gravwell/kstart/internal/expiry"
	"github.com/gravwell/kstart/internal/kerrs"
	"github.com/gravwell/kstart/internal/klog"
)

// fakeClock always reports the same instant.
type fakeClock struct{ now time.Time }

func (f fakeClock) Now() time.Time { return f.now }

// fakeSleeper never actually sleeps, so tests run instantly regardless
// of the configured wait lengths.
type fakeSleeper struct{ calls int }

func (f *fakeSleeper) Sleep(d time.Duration, w clock.Waker) bool {
	f.calls++
	return w != nil && w.Pending()
}

// fakeProvider is a scriptable daemon.CredentialProvider.
type fakeProvider struct {
	authCalls    int
	authResults  []error // consumed in order, last repeats
	inspectSummary expiry.Summary
	inspectErr     error
}

func (f *fakeProvider) Authenticate(req AuthRequest) error {
	idx := f.authCalls
	f.authCalls++
	if len(f.authResults) == 0 {
		return nil
	}
	if idx >= len(f.authResults) {
		idx = len(f.authResults) - 1
	}
	return f.authResults[idx]
}

func (f *fakeProvider) Inspect(path string) (expiry.Summary, error) {
	return f.inspectSummary, f.inspectErr
}

func (f *fakeProvider) Copy(src, dst string) error { return nil }

// fakeAfs is a scriptable daemon.AfsIntegration.
type fakeAfs struct {
	groupErr error
	hookCode int
	hookErr  error
	hookRuns int
}

func (f *fakeAfs) CreateGroup() error { return f.groupErr }

func (f *fakeAfs) RunHook(cachePath string) (int, error) {
	f.hookRuns++
	return f.hookCode, f.hookErr
}

func discardLogger() *klog.Logger {
	return klog.NewDiscardLogger()
}

func newTestLoop(t *testing.T, cfg *config.Config, provider *fakeProvider, afsInt *fakeAfs) (*Loop, *fakeSleeper) {
	t.Helper()
	dir := t.TempDir()
	cfg.CachePath = dir + "/krb5cc_test"
	cache := cacheio.New(cfg.CachePath)
	sleeper := &fakeSleeper{}
	l := New(cfg, provider, afsInt, cache, fakeClock{now: time.Now()}, sleeper, discardLogger(), nil, nil)
	return l, sleeper
}

func TestHappyCheckFreshCacheIsNoOp(t *testing.T) {
	cfg := &config.Config{HappyThresholdMin: 30}
	now := time.Now()
	provider := &fakeProvider{
		inspectSummary: expiry.Summary{
			EndTime:    now.Add(2 * time.Hour),
			RenewUntil: now.Add(48 * time.Hour),
			Client:     "alice@EX",
		},
	}
	l, _ := newTestLoop(t, cfg, provider, nil)
	l.Clock = fakeClock{now: now}

	status := l.Run()
	require.Equal(t, 0, status)
	require.Equal(t, 0, provider.authCalls)
}

func TestHappyCheckStaleCacheAuthenticatesOnce(t *testing.T) {
	cfg := &config.Config{HappyThresholdMin: 30, Keytab: "/k/alice.kt"}
	now := time.Now()
	provider := &fakeProvider{
		inspectSummary: expiry.Summary{
			EndTime:    now.Add(10 * time.Minute),
			RenewUntil: now.Add(48 * time.Hour),
			Client:     "alice@EX",
		},
	}
	l, _ := newTestLoop(t, cfg, provider, nil)
	l.Clock = fakeClock{now: now}

	status := l.Run()
	require.Equal(t, 0, status)
	require.Equal(t, 1, provider.authCalls)
}

func TestInitialAuthFailureWithoutIgnoreExitsOne(t *testing.T) {
	cfg := &config.Config{Keytab: "/k/alice.kt"}
	provider := &fakeProvider{authResults: []error{
		&kerrs.AuthError{Kind: kerrs.AuthTransientNetwork},
	}}
	l, _ := newTestLoop(t, cfg, provider, nil)

	status := l.Run()
	require.Equal(t, 1, status)
	require.Equal(t, 1, provider.authCalls)
}

func TestInitialAuthBackoffSucceedsOnThirdTry(t *testing.T) {
	cfg := &config.Config{Keytab: "/k/alice.kt", IgnoreInitialErrors: true}
	provider := &fakeProvider{authResults: []error{
		&kerrs.AuthError{Kind: kerrs.AuthTransientNetwork},
		&kerrs.AuthError{Kind: kerrs.AuthTransientNetwork},
		nil,
	}}
	l, _ := newTestLoop(t, cfg, provider, nil)

	status := l.Run()
	require.Equal(t, 0, status)
	require.Equal(t, 3, provider.authCalls)
}

func TestRenewUnrenewableWithoutIgnoreExitsOne(t *testing.T) {
	cfg := &config.Config{Renew: true, KeepIntervalMin: 60}
	now := time.Now()
	provider := &fakeProvider{
		inspectSummary: expiry.Summary{
			EndTime:    now.Add(5 * time.Minute),
			RenewUntil: now.Add(5 * time.Minute),
			Client:     "alice@EX",
		},
		authResults: []error{nil, &kerrs.AuthError{Kind: kerrs.AuthCannotRenew}},
	}
	l, sleeper := newTestLoop(t, cfg, provider, nil)
	l.Clock = fakeClock{now: now}

	status := l.Run()
	require.Equal(t, 1, status)
	require.GreaterOrEqual(t, sleeper.calls, 1)
}

func TestHookRunsOnlyAfterSuccessfulAuth(t *testing.T) {
	cfg := &config.Config{Keytab: "/k/alice.kt", DoHook: true}
	provider := &fakeProvider{}
	afsInt := &fakeAfs{}
	l, _ := newTestLoop(t, cfg, provider, afsInt)

	status := l.Run()
	require.Equal(t, 0, status)
	require.Equal(t, 1, afsInt.hookRuns)
}

func TestInitSkipsAfsGroupWithoutDoHook(t *testing.T) {
	cfg := &config.Config{Keytab: "/k/alice.kt", Command: []string{"/bin/true"}}
	provider := &fakeProvider{}
	afsInt := &fakeAfs{groupErr: kerrs.ErrConfig}
	l, _ := newTestLoop(t, cfg, provider, afsInt)

	err := l.init()
	require.NoError(t, err)
}

func TestInitPropagatesAfsGroupErrorWhenHookRequested(t *testing.T) {
	cfg := &config.Config{Keytab: "/k/alice.kt", Command: []string{"/bin/true"}, DoHook: true}
	provider := &fakeProvider{}
	afsInt := &fakeAfs{groupErr: kerrs.ErrConfig}
	l, _ := newTestLoop(t, cfg, provider, afsInt)

	err := l.init()
	require.Error(t, err)
}

func TestDrainUnlinksPidFiles(t *testing.T) {
	cfg := &config.Config{Keytab: "/k/alice.kt"}
	dir := t.TempDir()
	cfg.PidFile = dir + "/k5start.pid"
	provider := &fakeProvider{}
	l, _ := newTestLoop(t, cfg, provider, nil)

	status := l.Run()
	require.Equal(t, 0, status)

	_, err := os.Stat(cfg.PidFile)
	require.True(t, os.IsNotExist(err))
}
