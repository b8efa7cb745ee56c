package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/anji4cp/streamnexus/internal/config"
	"github.com/anji4cp/streamnexus/internal/credentials"
	"github.com/anji4cp/streamnexus/internal/store"
	storefactory "github.com/anji4cp/streamnexus/internal/store/factory"
	"github.com/anji4cp/streamnexus/internal/stream"
)

// seedFile is the YAML fixture layout accepted by the seed command.
type seedFile struct {
	Streams   []stream.Stream   `yaml:"streams"`
	Rotations []stream.Rotation `yaml:"rotations"`
}

type seedReport struct {
	Created, Updated, Skipped int
}

func createSeedCommand(g *GlobalFlags) *cobra.Command {
	flags := &SeedFlags{}
	cmd := &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load streams and rotations from YAML into the configured store",
		Long: `Seed upserts the streams and rotations of a YAML fixture directly into the
store named by the config file. Plaintext stream keys are encrypted when a
credentials passphrase is configured. Live streams and active rotations are
never overwritten.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.File = args[0]
			cfg, err := config.Load(g.ConfigPath)
			if err != nil {
				return err
			}
			return runSeed(cmd.Context(), cfg, flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&flags.Replace, "replace", false, "replace existing inactive rotations")
	return cmd
}

func runSeed(ctx context.Context, cfg *config.Config, flags *SeedFlags, out io.Writer) error {
	raw, err := os.ReadFile(flags.File)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse seed file %s: %w", flags.File, err)
	}

	var cph *credentials.Cipher
	if pass := cfg.Passphrase(); pass != "" {
		if cph, err = credentials.NewCipher(pass, cfg.Credentials.Iterations); err != nil {
			return err
		}
	}

	st, err := storefactory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}

	var sr, rr seedReport
	for _, s := range seed.Streams {
		if s.StreamKey, err = sealKey(cph, s.StreamKey); err != nil {
			return fmt.Errorf("stream %s: %w", s.ID, err)
		}
		if err := seedStream(ctx, st, s, &sr); err != nil {
			return fmt.Errorf("stream %s: %w", s.ID, err)
		}
	}
	for _, r := range seed.Rotations {
		if r.StreamKey, err = sealKey(cph, r.StreamKey); err != nil {
			return fmt.Errorf("rotation %s: %w", r.ID, err)
		}
		if err := seedRotation(ctx, st, r, flags.Replace, &rr); err != nil {
			return fmt.Errorf("rotation %s: %w", r.ID, err)
		}
	}
	_, _ = fmt.Fprintf(out, "streams: %d created, %d updated, %d skipped\n", sr.Created, sr.Updated, sr.Skipped)
	_, _ = fmt.Fprintf(out, "rotations: %d created, %d replaced, %d skipped\n", rr.Created, rr.Updated, rr.Skipped)
	return nil
}

func sealKey(c *credentials.Cipher, key string) (string, error) {
	if c == nil || key == "" || credentials.IsEncrypted(key) {
		return key, nil
	}
	return c.Encrypt(key)
}

func seedStream(ctx context.Context, st store.Streams, s stream.Stream, rep *seedReport) error {
	cur, err := st.GetStream(ctx, s.ID)
	switch {
	case errors.Is(err, stream.ErrNotFound):
		if err := st.CreateStream(ctx, s); err != nil {
			return err
		}
		rep.Created++
		return nil
	case err != nil:
		return err
	case cur.Status == stream.StatusLive:
		rep.Skipped++
		return nil
	}
	if err := st.UpdateStream(ctx, s); err != nil {
		return err
	}
	rep.Updated++
	return nil
}

func seedRotation(ctx context.Context, st store.Rotations, r stream.Rotation, replace bool, rep *seedReport) error {
	cur, err := st.GetRotation(ctx, r.ID)
	switch {
	case errors.Is(err, stream.ErrNotFound):
		if err := st.CreateRotation(ctx, r); err != nil {
			return err
		}
		rep.Created++
		return nil
	case err != nil:
		return err
	case !replace || cur.Status != stream.RotationInactive:
		rep.Skipped++
		return nil
	}
	if err := st.DeleteRotation(ctx, r.ID); err != nil {
		return err
	}
	if err := st.CreateRotation(ctx, r); err != nil {
		return err
	}
	rep.Updated++
	return nil
}
