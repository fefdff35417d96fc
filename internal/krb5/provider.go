// Package krb5 is the concrete CredentialProvider (spec §4.6),
// implemented on top of github.com/jcmturner/gokrb5/v8 — a pure-Go
// Kerberos client, already present transitively in the teacher
// module's dependency graph for SASL/GSSAPI use. It absorbs the
// Heimdal/MIT portability differences spec §9 calls out: the core
// never sees them.
package krb5

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/keytab"

	"github.com/gravwell/kstart/internal/daemon"
	"github.com/gravwell/kstart/internal/expiry"
	"github.com/gravwell/kstart/internal/kerrs"
	"github.com/gravwell/kstart/internal/klog"
)

// DefaultConfigPath is consulted when KRB5_CONFIG is unset, matching
// every MIT/Heimdal Kerberos client.
const DefaultConfigPath = "/etc/krb5.conf"

// Provider is the gokrb5-backed CredentialProvider.
type Provider struct {
	krb5Conf *config.Config
	log      *klog.Logger
}

// New loads the system krb5.conf (or the path in KRB5_CONFIG). log may
// be nil, in which case the -l lifetime hint (see acquire) is silently
// dropped rather than logged.
func New(log *klog.Logger) (*Provider, error) {
	path := os.Getenv("KRB5_CONFIG")
	if path == "" {
		path = DefaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading krb5 configuration: %w", err)
	}
	return &Provider{krb5Conf: cfg, log: log}, nil
}

// Authenticate satisfies daemon.CredentialProvider.
func (p *Provider) Authenticate(req daemon.AuthRequest) error {
	if req.Renew {
		return p.renew(req.SourcePath, req.ScratchPath)
	}
	return p.acquire(req)
}

func (p *Provider) acquire(req daemon.AuthRequest) error {
	principal := req.ClientPrincipal
	realm := req.Realm
	if realm == "" {
		realm = p.krb5Conf.LibDefaults.DefaultRealm
	}

	// req.LifetimeMin (-l) is a hint only: gokrb5 negotiates whatever
	// lifetime the KDC grants and exposes no request-side override, so
	// this is surfaced for operator visibility rather than enforced.
	// It never changes the expiry-horizon formula the Expiry Evaluator
	// uses to decide when to reauthenticate.
	if req.LifetimeMin > 0 && p.log != nil {
		p.log.Info("requested ticket lifetime is a hint, not enforced by the client library", klog.KV("requested_minutes", req.LifetimeMin))
	}

	var cl *client.Client
	switch {
	case req.Keytab != "":
		kt, err := keytab.Load(req.Keytab)
		if err != nil {
			return &kerrs.AuthError{Kind: kerrs.AuthBadCredentials, Err: err}
		}
		if req.DeriveFromKeytab {
			if len(kt.Entries) == 0 {
				return fmt.Errorf("%w: keytab %s has no entries", kerrs.ErrConfig, req.Keytab)
			}
			principal = kt.Entries[0].Principal.PrincipalName.PrincipalNameString()
			realm = kt.Entries[0].Principal.Realm
		}
		cl = client.NewWithKeytab(principal, realm, kt, p.krb5Conf, client.DisablePAFXFAST(true))
	case req.Stdin:
		pw, err := readPassword(os.Stdin)
		if err != nil {
			return &kerrs.AuthError{Kind: kerrs.AuthOther, Err: err}
		}
		cl = client.NewWithPassword(principal, realm, pw, p.krb5Conf, client.DisablePAFXFAST(true))
	default:
		return fmt.Errorf("%w: no credential source configured", kerrs.ErrConfig)
	}

	if err := cl.Login(); err != nil {
		return &kerrs.AuthError{Kind: classifyLoginErr(err), Err: err}
	}
	defer cl.Destroy()

	cc, err := cl.CopySessionCCache()
	if err != nil {
		return &kerrs.AuthError{Kind: kerrs.AuthOther, Err: err}
	}
	return writeCCache(cc, req.ScratchPath)
}

func (p *Provider) renew(sourcePath, scratchPath string) error {
	cc, err := credentials.LoadCCache(sourcePath)
	if err != nil {
		return &kerrs.AuthError{Kind: kerrs.AuthOther, Err: err}
	}
	cl, err := client.NewFromCCache(cc, p.krb5Conf, client.DisablePAFXFAST(true))
	if err != nil {
		return &kerrs.AuthError{Kind: kerrs.AuthOther, Err: err}
	}
	defer cl.Destroy()

	if err := cl.RenewTGT(); err != nil {
		return &kerrs.AuthError{Kind: classifyRenewErr(err), Err: err}
	}
	renewed, err := cl.CopySessionCCache()
	if err != nil {
		return &kerrs.AuthError{Kind: kerrs.AuthOther, Err: err}
	}
	return writeCCache(renewed, scratchPath)
}

// Inspect satisfies daemon.CredentialProvider.
func (p *Provider) Inspect(path string) (expiry.Summary, error) {
	cc, err := credentials.LoadCCache(path)
	if err != nil {
		return expiry.Summary{}, err
	}
	cred, err := primaryCredential(cc)
	if err != nil {
		return expiry.Summary{}, err
	}
	return expiry.Summary{
		EndTime:    cred.EndTime,
		RenewUntil: cred.RenewTill,
		Client:     cc.GetClientPrincipalName().PrincipalNameString(),
	}, nil
}

// Copy satisfies daemon.CredentialProvider: it snapshots an existing
// cache into a private path that renew will exclusively manage.
func (p *Provider) Copy(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

func writeCCache(cc *credentials.CCache, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return cc.Marshal(f)
}

type primaryCred struct {
	EndTime   time.Time
	RenewTill time.Time
}

func primaryCredential(cc *credentials.CCache) (primaryCred, error) {
	creds := cc.GetEntries()
	if len(creds) == 0 {
		return primaryCred{}, fmt.Errorf("ccache has no credentials")
	}
	c := creds[0]
	return primaryCred{EndTime: c.EndTime, RenewTill: c.RenewTill}, nil
}

func classifyLoginErr(err error) kerrs.AuthKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "no route"), strings.Contains(msg, "connection refused"), strings.Contains(msg, "network"):
		return kerrs.AuthTransientNetwork
	case strings.Contains(msg, "preauth"), strings.Contains(msg, "password"), strings.Contains(msg, "key version"):
		return kerrs.AuthBadCredentials
	case strings.Contains(msg, "permission"), strings.Contains(msg, "not authoriz"):
		return kerrs.AuthPermissionDenied
	default:
		return kerrs.AuthOther
	}
}

func classifyRenewErr(err error) kerrs.AuthKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "renew") && strings.Contains(msg, "expired"):
		return kerrs.AuthCannotRenew
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "network"):
		return kerrs.AuthTransientNetwork
	default:
		return kerrs.AuthOther
	}
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
