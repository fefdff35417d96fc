package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravwell/kstart/internal/kerrs"
)

func TestParseAcquireMinimal(t *testing.T) {
	cfg, err := Parse("k5start", []string{"-f", "/etc/krb5.keytab", "alice@EX"}, false)
	require.NoError(t, err)
	require.Equal(t, "/etc/krb5.keytab", cfg.Keytab)
	require.Equal(t, "alice@EX", cfg.ClientPrincipal)
	require.False(t, cfg.Renew)
}

func TestParseAcquireIntervalRequiresKeytab(t *testing.T) {
	_, err := Parse("k5start", []string{"-K", "10", "alice@EX"}, false)
	require.Error(t, err)
	require.True(t, errors.Is(err, kerrs.ErrConfig))
}

func TestParseBackgroundRequiresIntervalOrCommand(t *testing.T) {
	_, err := Parse("k5start", []string{"-b", "-f", "/etc/krb5.keytab", "alice@EX"}, false)
	require.Error(t, err)
}

func TestParseRenewRejectsAcquireOnlyFlags(t *testing.T) {
	_, err := Parse("krenew", []string{"-f", "/etc/krb5.keytab"}, true)
	require.Error(t, err)

	_, err = Parse("krenew", []string{"-s"}, true)
	require.Error(t, err)

	_, err = Parse("krenew", []string{"-a"}, true)
	require.Error(t, err)
}

func TestParseNonOctalModeIsConfigError(t *testing.T) {
	_, err := Parse("k5start", []string{"-f", "/etc/krb5.keytab", "-m", "999", "alice@EX"}, false)
	require.Error(t, err)
	require.True(t, errors.Is(err, kerrs.ErrConfig))
}

func TestParseNonFileCacheRejectsPermOverrides(t *testing.T) {
	_, err := Parse("k5start", []string{"-f", "/etc/krb5.keytab", "-k", "KCM:0", "-m", "0600", "alice@EX"}, false)
	require.Error(t, err)
	require.True(t, errors.Is(err, kerrs.ErrConfig))
}

func TestParseQuietImpliedByIntervalUnlessVerbose(t *testing.T) {
	cfg, err := Parse("k5start", []string{"-f", "/etc/krb5.keytab", "-K", "10", "alice@EX"}, false)
	require.NoError(t, err)
	require.True(t, cfg.Quiet)

	cfg, err = Parse("k5start", []string{"-f", "/etc/krb5.keytab", "-K", "10", "-v", "alice@EX"}, false)
	require.NoError(t, err)
	require.False(t, cfg.Quiet)
}

func TestParseCommandAfterPrincipal(t *testing.T) {
	cfg, err := Parse("k5start", []string{"-f", "/etc/krb5.keytab", "alice@EX", "/bin/worker", "--flag"}, false)
	require.NoError(t, err)
	require.Equal(t, []string{"/bin/worker", "--flag"}, cfg.Command)
}

func TestParseRenewTakesNoPrincipalEntireRestIsCommand(t *testing.T) {
	cfg, err := Parse("krenew", []string{"-K", "10", "/bin/worker", "--flag"}, true)
	require.NoError(t, err)
	require.Equal(t, "", cfg.ClientPrincipal)
	require.Equal(t, []string{"/bin/worker", "--flag"}, cfg.Command)
}

func TestParseRenewRejectsLifetimeAndRealm(t *testing.T) {
	_, err := Parse("krenew", []string{"-l", "60"}, true)
	require.Error(t, err)
	require.True(t, errors.Is(err, kerrs.ErrConfig))

	_, err = Parse("krenew", []string{"-r", "EXAMPLE.ORG"}, true)
	require.Error(t, err)
	require.True(t, errors.Is(err, kerrs.ErrConfig))
}
