package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/promoverify/pkg/audit"
	"github.com/Mindburn-Labs/promoverify/pkg/canonicalize"
	"github.com/Mindburn-Labs/promoverify/pkg/config"
	"github.com/Mindburn-Labs/promoverify/pkg/hashing"
	"github.com/Mindburn-Labs/promoverify/pkg/promotion"
)

func submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <candidate.json|candidate.yaml>",
		Short: "Store a promotion candidate and enqueue its source fetches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := readCandidate(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), config.Load())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			jobs, err := a.orchestrator.Submit(cmd.Context(), c)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, j := range jobs {
				state := "queued"
				if j.Deduplicated {
					state = "already queued"
				}
				_, _ = fmt.Fprintf(out, "%s\t%s\t%s\n", j.ID, j.Kind, state)
			}
			return nil
		},
	}
}

func readCandidate(stdin io.Reader, path string) (promotion.Candidate, error) {
	var c promotion.Candidate
	raw, err := readInput(stdin, path)
	if err != nil {
		return c, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &c)
	default:
		err = json.Unmarshal(raw, &c)
	}
	if err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

// readInput reads path, or stdin when path is "-".
func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func canonicalizeCmd() *cobra.Command {
	var (
		algorithm  string
		raw        bool
		nfc        bool
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "canonicalize <file.json|->",
		Short: "Print the canonical form and digest of a JSON document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, err := hashing.ParseAlgorithm(algorithm)
			if err != nil {
				return err
			}
			hasher, err := hashing.New(hashing.WithAlgorithm(alg))
			if err != nil {
				return err
			}
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			v, err := canonicalize.Parse(data)
			if err != nil {
				return err
			}

			var canonical string
			if raw {
				opts := canonicalize.DefaultOptions()
				opts.NormalizeUnicode = nfc
				canonical, err = canonicalize.Render(v, opts)
			} else {
				canonical, err = canonicalize.CanonicalizeEvidence(v)
			}
			if err != nil {
				return err
			}
			digest := hasher.HashString(canonical)

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(hashing.Result{Digest: digest, Algorithm: alg, CanonicalForm: canonical})
			}
			_, _ = fmt.Fprintln(out, canonical)
			_, _ = fmt.Fprintf(out, "%s:%s\n", alg, digest)
			return nil
		},
	}
	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", "sha256", "Digest algorithm (sha256, sha3-256, blake2b-256)")
	cmd.Flags().BoolVar(&raw, "raw", false, "Skip evidence timestamp normalisation")
	cmd.Flags().BoolVar(&nfc, "nfc", false, "Apply Unicode NFC to strings and keys (with --raw)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func verifyCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "verify <hash>",
		Short: "Re-hash stored evidence and compare it with its address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), config.Load())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ev, err := a.evidence.Retrieve(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("evidence %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return json.NewEncoder(out).Encode(ev)
			}
			_, _ = fmt.Fprintf(out, "verified %s:%s\n", ev.Algorithm, ev.Hash)
			_, _ = fmt.Fprintf(out, "location:  %s\n", ev.StorageLocation)
			_, _ = fmt.Fprintf(out, "stored at: %s\n", canonicalize.FormatTimestamp(ev.StoredAt))
			_, _ = fmt.Fprintf(out, "size:      %d bytes\n", ev.SizeBytes)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func statsCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), config.Load())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			stats, err := a.queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return json.NewEncoder(out).Encode(stats)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "KIND\tWAITING\tDELAYED\tACTIVE\tCOMPLETED\tFAILED")
			for _, s := range stats {
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", s.Kind, s.Waiting, s.Delayed, s.Active, s.Completed, s.Failed)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

var errUnhealthy = errors.New("evidence store is unhealthy")

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Re-verify a sample of stored evidence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), config.Load())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			h := a.evidence.HealthCheck(cmd.Context())
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "records: %d (%d bytes), sampled: %d\n", h.RecordCount, h.TotalBytes, h.Sampled)
			for _, issue := range h.Issues {
				_, _ = fmt.Fprintf(out, "  - %s\n", issue)
			}
			if !h.IsHealthy {
				return errUnhealthy
			}
			_, _ = fmt.Fprintln(out, "ok")
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	var (
		kind    string
		subject string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Verify the audit chain and list entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), config.Load())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.audit.Verify(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "chain ok: %d entries, head %s\n", a.audit.Size(), a.audit.Head())
			entries := a.audit.Query(audit.Filter{Kind: audit.Kind(kind), Subject: subject, MaxResults: limit})
			for _, e := range entries {
				_, _ = fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", e.Sequence, e.Timestamp.Format("2006-01-02T15:04:05Z"), e.Kind, e.Subject)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Only entries of this kind")
	cmd.Flags().StringVar(&subject, "subject", "", "Only entries about this subject")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries listed")
	return cmd
}
