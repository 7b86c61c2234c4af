package provision

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hostkit/hostkit/pkg/execx"
	"github.com/hostkit/hostkit/pkg/fsops"
	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/types"
)

var sshKeyTypes = []string{
	"ssh-ed25519",
	"ssh-rsa",
	"ecdsa-sha2-nistp256",
	"ecdsa-sha2-nistp384",
	"ecdsa-sha2-nistp521",
	"sk-ssh-ed25519@openssh.com",
}

func validSSHKey(line string) bool {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return false
	}
	return slices.Contains(sshKeyTypes, fields[0])
}

// keyFetcher retrieves published public keys, one per line.
type keyFetcher func(ctx context.Context, url string) (string, error)

func fetchForgeKeys(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return string(body), err
}

// installSSHKeys writes validated keys into authorized_keys. Literal keys
// and forge-published keys are merged; duplicates collapse.
func (o *Orchestrator) installSSHKeys(ctx context.Context, project string, l fsops.Layout, literal []string, forgeUser string) (int, error) {
	var keys []string
	for _, k := range literal {
		k = strings.TrimSpace(k)
		if !validSSHKey(k) {
			return 0, types.E(types.ErrInvalidKey, "not a valid ssh public key: %.40s", k)
		}
		keys = append(keys, k)
	}
	if forgeUser != "" {
		body, err := o.fetchKeys(ctx, fmt.Sprintf("https://github.com/%s.keys", forgeUser))
		if err != nil {
			return 0, types.Wrap(types.ErrProvisionFailed, err, "fetch keys for %s", forgeUser)
		}
		for _, line := range strings.Split(body, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !validSSHKey(line) {
				return 0, types.E(types.ErrInvalidKey, "forge returned a malformed key for %s", forgeUser)
			}
			keys = append(keys, line)
		}
	}
	keys = dedupe(keys)
	if len(keys) == 0 {
		return 0, types.E(types.ErrInvalidKey, "no usable ssh keys for %s", project)
	}

	uid, gid, err := o.Owners(project)
	if err != nil {
		return 0, err
	}
	if err := o.fs.EnsureDir(l.SSHDir(), 0o700, uid, gid); err != nil {
		return 0, err
	}
	content := strings.Join(keys, "\n") + "\n"
	if err := os.WriteFile(l.AuthorizedKeys(), []byte(content), 0o600); err != nil {
		return 0, err
	}
	if err := o.fs.ChownTree(l.SSHDir(), uid, gid); err != nil {
		return 0, err
	}
	if err := o.journal.Emit(project, types.CategoryProject, "ssh.keys_installed",
		fmt.Sprintf("%d ssh keys installed", len(keys)), types.LevelInfo,
		map[string]any{"count": len(keys), "forge_user": forgeUser}); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// configureDomain verifies DNS, binds the domain to the project, reloads
// nginx and optionally obtains a certificate.
func (o *Orchestrator) configureDomain(ctx context.Context, project, domain string, provisionTLS bool) error {
	if err := o.verifyDNS(domain); err != nil {
		return err
	}
	if err := o.store.Transaction(func(tx *sqlx.Tx) error {
		if err := store.AddDomainTx(tx, &types.Domain{Domain: domain, Project: project}); err != nil {
			return err
		}
		return o.journal.EmitTx(tx, project, types.CategoryProject, "domain.added",
			fmt.Sprintf("domain %s bound", domain), types.LevelInfo,
			map[string]any{"domain": domain})
	}); err != nil {
		return err
	}
	if _, err := o.runner.Run(ctx, execx.Cmd{Name: "nginx", Args: []string{"-s", "reload"}}); err != nil {
		o.logger.Warn().Err(err).Str("domain", domain).Msg("nginx reload failed")
	}
	if !provisionTLS {
		return nil
	}
	return o.obtainCertificate(ctx, project, domain)
}

func (o *Orchestrator) verifyDNS(domain string) error {
	addrs, err := o.lookupHost(domain)
	if err != nil || len(addrs) == 0 {
		return types.E(types.ErrDNSResolution, "domain %s does not resolve", domain).
			WithSuggestion("create an A record pointing at this host and retry")
	}
	if o.cfg.PublicIP == "" {
		return nil
	}
	if !slices.Contains(addrs, o.cfg.PublicIP) {
		return types.E(types.ErrDNSMismatch, "domain %s resolves to %s, not %s",
			domain, strings.Join(addrs, ","), o.cfg.PublicIP).
			WithSuggestion("update the A record to point at " + o.cfg.PublicIP)
	}
	return nil
}

func (o *Orchestrator) obtainCertificate(ctx context.Context, project, domain string) error {
	res, err := o.runner.Run(ctx, execx.Cmd{
		Name:    "certbot",
		Args:    []string{"--nginx", "--non-interactive", "--agree-tos", "-d", domain},
		Timeout: 2 * time.Minute,
	})
	ok := err == nil
	detail := ""
	if err != nil {
		detail = err.Error()
		if res != nil && res.Stderr != "" {
			detail = res.Stderr
		}
	}
	if txErr := o.store.Transaction(func(tx *sqlx.Tx) error {
		return store.MarkSSLProvisionedTx(tx, domain, project, ok, detail)
	}); txErr != nil {
		return txErr
	}
	if !ok {
		return types.Wrap(types.ErrProvisionFailed, err, "certificate for %s", domain).
			WithSuggestion("check that port 80 is reachable and rerun with --ssl")
	}
	return o.journal.Emit(project, types.CategoryProject, "ssl.provisioned",
		fmt.Sprintf("certificate obtained for %s", domain), types.LevelInfo,
		map[string]any{"domain": domain})
}
