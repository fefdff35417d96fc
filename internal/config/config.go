// Package config builds and validates the immutable Configuration
// (spec §3) shared by both the acquire and renew binaries, and parses
// the CLI surface documented in spec §6.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gravwell/kstart/internal/kerrs"
)

// Mode is the octal file mode parsed from -m and applied to a
// finalised cache.
type Mode = os.FileMode

// Config is the Configuration of spec §3, built once at startup by
// Parse. After Parse, the binaries fill in CachePath when they
// fabricate or copy a cache, and the maintenance loop raises
// KeepIntervalMin to 60 when it supervises a child with no interval.
type Config struct {
	CachePath           string
	ClientPrincipal     string
	KeepIntervalMin     int
	HappyThresholdMin   int
	AlwaysRenew         bool
	IgnoreInitialErrors bool
	ExitOnErrors        bool
	Background          bool
	DoHook              bool
	Command             []string
	PidFile             string
	ChildFile           string
	Owner               string
	Group               string
	Mode                Mode
	HasMode             bool
	Verbose             bool
	Quiet               bool

	// Keytab, Stdin, DeriveFromKeytab, LifetimeMin and Realm only apply
	// to acquire, but live on the shared struct since nothing else
	// reads them and it keeps one type for both binaries' wiring code.
	Keytab           string
	Stdin            bool
	DeriveFromKeytab bool
	LifetimeMin      int
	Realm            string

	// Renew marks which binary built this Config, since a few
	// validation rules (keytab-related flags, -a) are one-sided.
	Renew bool
}

// configError wraps a message with kerrs.ErrConfig so callers can use
// errors.Is(err, kerrs.ErrConfig).
type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }
func (e *configError) Unwrap() error { return kerrs.ErrConfig }

func errConfig(format string, args ...interface{}) error {
	return &configError{msg: fmt.Sprintf(format, args...)}
}

// Parse builds a Config from argv for either binary. progName is used
// only in the FlagSet's usage output.
func Parse(progName string, args []string, renew bool) (*Config, error) {
	fs := flag.NewFlagSet(progName, flag.ContinueOnError)

	var (
		background = fs.Bool("b", false, "background after initial success")
		keep       = fs.Int("K", 0, "maintenance interval in minutes")
		happy      = fs.Int("H", 0, "happy-ticket threshold in minutes")
		cachePath  = fs.String("k", "", "credential cache path")
		keytab     = fs.String("f", "", "key table path (acquire only)")
		hook       = fs.Bool("t", false, "invoke the post-auth hook")
		pidFile    = fs.String("p", "", "write own PID to this file")
		childFile  = fs.String("c", "", "write child PID to this file")
		owner      = fs.String("o", "", "cache owner")
		group      = fs.String("g", "", "cache group")
		mode       = fs.String("m", "", "cache mode, octal")
		always     = fs.Bool("a", false, "always renew on wake (acquire)")
		exitErrs   = fs.Bool("x", false, "exit on any mid-flight error")
		ignoreErrs = fs.Bool("i", false, "ignore initial errors, retry with backoff")
		verbose    = fs.Bool("v", false, "verbose diagnostics")
		quiet      = fs.Bool("q", false, "quiet, suppress non-error output")
		stdin      = fs.Bool("s", false, "read password from stdin (acquire only)")
		useKeytab  = fs.Bool("U", false, "derive identity from first keytab entry (acquire only)")
		lifetime   = fs.Int("l", 0, "requested ticket lifetime in minutes (acquire only)")
		realm      = fs.String("r", "", "realm override (acquire only)")
	)

	if err := fs.Parse(args); err != nil {
		return nil, errConfig("%v", err)
	}

	rest := fs.Args()

	cfg := &Config{
		KeepIntervalMin:     *keep,
		HappyThresholdMin:   *happy,
		CachePath:           *cachePath,
		Keytab:              *keytab,
		DoHook:              *hook,
		PidFile:             *pidFile,
		ChildFile:           *childFile,
		Owner:               *owner,
		Group:               *group,
		AlwaysRenew:         *always,
		ExitOnErrors:        *exitErrs,
		IgnoreInitialErrors: *ignoreErrs,
		Background:          *background,
		Verbose:             *verbose,
		Quiet:               *quiet,
		Stdin:               *stdin,
		DeriveFromKeytab:    *useKeytab,
		LifetimeMin:         *lifetime,
		Realm:               *realm,
		Renew:               renew,
	}

	if *mode != "" {
		m, err := parseOctalMode(*mode)
		if err != nil {
			return nil, errConfig("invalid mode %q: %v", *mode, err)
		}
		cfg.Mode = m
		cfg.HasMode = true
	}

	// -K N == 0 daemon interval is only meaningful if explicitly given;
	// negative values never make sense.
	if cfg.KeepIntervalMin < 0 {
		return nil, errConfig("-K must not be negative")
	}
	if cfg.HappyThresholdMin < 0 {
		return nil, errConfig("-H must not be negative")
	}
	if cfg.LifetimeMin < 0 {
		return nil, errConfig("-l must not be negative")
	}

	// -q is implied by -b, -K or -H unless -v is given (spec §6).
	if !cfg.Verbose && (cfg.Background || cfg.KeepIntervalMin > 0 || cfg.HappyThresholdMin > 0) {
		cfg.Quiet = true
	}
	if cfg.Verbose {
		cfg.Quiet = false
	}

	if !renew {
		if *useKeytab {
			if len(rest) > 0 {
				cfg.Command = splitAfterDashDash(rest)
			}
		} else if len(rest) > 0 {
			cfg.ClientPrincipal = rest[0]
			cfg.Command = rest[1:]
		}
	} else {
		// renew takes no principal argument at all (krenew.c:333-336):
		// everything remaining after flags is the supervised command.
		cfg.Command = rest
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitAfterDashDash exists only for the acquire -U path, where the
// first non-option argument is not a principal: everything remaining
// is the supervised command.
func splitAfterDashDash(rest []string) []string {
	return rest
}

func (c *Config) validate() error {
	if c.Background {
		if c.KeepIntervalMin == 0 && len(c.Command) == 0 {
			return errConfig("-b requires either -K or a command")
		}
	}
	if !c.Renew {
		if c.Keytab == "" {
			if c.Background || c.KeepIntervalMin > 0 || len(c.Command) > 0 {
				return errConfig("-f is required with -b, -K, or a command")
			}
			if !c.Stdin && !c.DeriveFromKeytab {
				// password-from-terminal is out of scope for this
				// core (terminal prompting is a CLI collaborator
				// concern); acquire needs one of -f/-s/-U.
				return errConfig("one of -f, -s, or -U is required")
			}
		}
		if c.DeriveFromKeytab && c.Keytab == "" {
			return errConfig("-U requires -f")
		}
	} else {
		if c.Keytab != "" {
			return errConfig("-f is not valid for renew")
		}
		if c.Stdin || c.DeriveFromKeytab {
			return errConfig("-s and -U are not valid for renew")
		}
		if c.AlwaysRenew {
			return errConfig("-a is not valid for renew")
		}
		if c.LifetimeMin != 0 || c.Realm != "" {
			return errConfig("-l and -r are not valid for renew")
		}
	}
	if c.HappyThresholdMin > 0 && c.KeepIntervalMin > 0 && !c.Renew {
		// Both set is legal for acquire (happy check gates the very
		// first authentication only); nothing further to validate.
	}
	if c.HasMode && isNonFileCachePrefix(c.CachePath) {
		return errConfig("cache %q does not support permission overrides", c.CachePath)
	}
	if c.CachePath != "" && isNonFileCachePrefix(c.CachePath) && (c.Owner != "" || c.Group != "") {
		return errConfig("cache %q does not support ownership overrides", c.CachePath)
	}
	return nil
}

// isNonFileCachePrefix reports whether path names a non-file cache
// backing (KCM:, MEMORY:, DIR:) per spec.md's Open Question
// resolution: the Cache Writer's permission-adjustment path is
// undefined for these, so any owner/group/mode override is a Config
// error rather than silently doing nothing.
func isNonFileCachePrefix(path string) bool {
	for _, p := range []string{"KCM:", "MEMORY:", "DIR:"} {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func parseOctalMode(s string) (os.FileMode, error) {
	for _, r := range s {
		if r < '0' || r > '7' {
			return 0, fmt.Errorf("non-octal digit %q", r)
		}
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, err
	}
	return os.FileMode(v), nil
}
