package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/wadahiro/sessiongate/internal/protocol"
	"github.com/wadahiro/sessiongate/internal/store"
)

// runStatus prints the persisted session of the configured origin.
func runStatus(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(out)
	showClaims := fs.Bool("claims", false, "print the decoded access token claims")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		color.New(color.FgRed).Fprintf(out, "config: %v\n", err)
		return 1
	}
	if err := setupTimezone(cfg.Timezone); err != nil {
		color.New(color.FgRed).Fprintf(out, "timezone: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		color.New(color.FgRed).Fprintf(out, "store: %v\n", err)
		return 1
	}
	defer closeStore()

	sess, err := st.Load(ctx)
	if err != nil {
		color.New(color.FgRed).Fprintf(out, "load session: %v\n", err)
		return 1
	}
	origin, _ := store.OriginKey(cfg.BaseURL)
	printStatus(out, statusReport{
		Origin:     origin,
		Backend:    cfg.Session.Backend,
		ClientID:   cfg.Provider.ClientID,
		Session:    sess,
		Skew:       cfg.Session.SkewMargin,
		Now:        time.Now(),
		ShowClaims: *showClaims,
	})
	return 0
}

type statusReport struct {
	Origin     string
	Backend    string
	ClientID   string
	Session    *store.Session
	Skew       time.Duration
	Now        time.Time
	ShowClaims bool
}

func printStatus(out io.Writer, r statusReport) {
	header := color.New(color.FgCyan, color.Bold)
	label := color.New(color.FgHiBlack)
	row := func(name, value string) {
		label.Fprintf(out, "  %-9s", name)
		fmt.Fprintln(out, value)
	}

	header.Fprintln(out, "Session")
	row("origin", r.Origin)
	row("backend", r.Backend)

	s := r.Session
	if s == nil {
		row("state", color.YellowString("none"))
		return
	}

	expires := time.UnixMilli(s.ExpiresAt)
	remaining := expires.Sub(r.Now)
	switch {
	case remaining > r.Skew:
		row("state", color.GreenString("valid"))
	case s.RefreshToken != "":
		row("state", color.YellowString("expired (refreshable)"))
	default:
		row("state", color.RedString("expired"))
	}
	row("expires", fmt.Sprintf("%s (%s)", protocol.FormatEpochMillis(s.ExpiresAt), humanizeRemaining(remaining)))

	if u := s.User; u != nil {
		name := strings.TrimSpace(u.FirstName + " " + u.LastName)
		if name == "" {
			name = "-"
		}
		row("user", fmt.Sprintf("%s <%s>", name, u.Email))
		row("id", u.ID)
	}
	roles := protocol.RolesFromToken(s.AccessToken, r.ClientID)
	if len(roles) == 0 && s.User != nil {
		roles = s.User.Roles
	}
	row("roles", strings.Join(roles, ", "))

	if !r.ShowClaims {
		return
	}
	claims := protocol.DecodeClaims(s.AccessToken)
	header.Fprintln(out, "Claims")
	if claims.Empty() {
		row("", color.YellowString("(undecodable access token)"))
		return
	}
	for _, k := range protocol.SortedKeys(claims) {
		label.Fprintf(out, "  %-18s", k)
		fmt.Fprintln(out, protocol.FormatClaimValue(k, claims[k]))
	}
}

func humanizeRemaining(d time.Duration) string {
	d = d.Round(time.Second)
	if d < 0 {
		return (-d).String() + " ago"
	}
	return "in " + d.String()
}
