package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lmoretti/filecourier/internal/config"
	"github.com/lmoretti/filecourier/internal/courier"
	"github.com/lmoretti/filecourier/internal/logging"
	"github.com/lmoretti/filecourier/internal/secure"
	"github.com/lmoretti/filecourier/internal/state"
)

// app bundles the wiring every command needs: configuration, logger,
// state database, transport client, bundler, and orchestrator.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	state    *state.State
	client   *courier.Client
	bundler  *courier.Bundler
	uploader *courier.Uploader
}

// setup loads configuration and opens the state database. The returned
// cleanup closes the database and must run before the command exits.
func (a *app) setup() (func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	a.cfg = cfg
	a.logger = logging.NewLogger(cfg.Environment)

	st, err := state.Load()
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	a.state = st
	a.client = courier.NewClient(nil, a.logger)
	a.bundler = courier.NewBundler(cfg.CacheDir, a.logger)
	a.uploader = courier.NewUploader(a.client, st, a.logger)

	return func() { st.Close() }, nil
}

// resolveEndpoint builds the immutable endpoint value for this
// invocation: environment first, stored profile second, with the sealed
// password unlocked when a passphrase is available. Missing fields are
// left empty; the upload path fails fast on them.
func (a *app) resolveEndpoint() (courier.Endpoint, error) {
	site := a.cfg.SiteURL
	user := a.cfg.Username
	pass := a.cfg.AppPassword

	settings, err := a.state.Settings()
	if err != nil {
		return courier.Endpoint{}, fmt.Errorf("reading stored settings: %w", err)
	}

	if site == "" {
		site = settings.SiteURL
	}

	if user == "" {
		user = settings.Username
	}

	if pass == "" {
		sealed, err := a.state.SealedPassword()
		if err != nil {
			return courier.Endpoint{}, fmt.Errorf("reading sealed password: %w", err)
		}

		if len(sealed) > 0 && a.cfg.Passphrase != "" {
			unsealed, err := secure.Open(sealed, a.cfg.Passphrase)
			if err != nil {
				return courier.Endpoint{}, fmt.Errorf("unsealing stored password: %w", err)
			}

			pass = unsealed
		}
	}

	return courier.NewEndpoint(site, user, pass)
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:     "filecourier",
		Short:   "Upload local files to your site's file endpoint",
		Version: Version,
		Long: `filecourier uploads local files, optionally bundled into a single ZIP
archive, to a two-route HTTP file API, and reconciles the server listing
with items still pending locally.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newUploadCmd(a),
		newListCmd(a),
		newRetryCmd(a),
		newRemoveCmd(a),
		newLoginCmd(a),
		newLogoutCmd(a),
		newWatchCmd(a),
	)

	return root
}
