package ndrctl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-ndr/common/output"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/indicator"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/matcher"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/repository"
)

var indicatorsCmd = &cobra.Command{
	Use:     "indicators",
	Aliases: []string{"ioc"},
	Short:   "Manage local indicator lists",
	Long: `Import, list and delete the indicators kept in PostgreSQL.

The engine loads these on every refresh when indicators.postgres is set.`,
}

var indicatorsImportCmd = &cobra.Command{
	Use:   "import <file|->",
	Short: "Import indicators from a file",
	Long: `Import one indicator per line. Blank lines and lines starting with '#'
are skipped. The kind is inferred from the value (ip, cidr, domain, hash)
unless prefixed, e.g. "ja3:72a589da586844d7f0818ce684948eea".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		listName, _ := cmd.Flags().GetString("list")
		list, err := models.ParseListKind(listName)
		if err != nil {
			return err
		}
		feed, _ := cmd.Flags().GetString("feed")
		confidence, _ := cmd.Flags().GetInt("confidence")
		if confidence < 0 || confidence > 100 {
			return fmt.Errorf("confidence must be between 0 and 100")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		desc, _ := cmd.Flags().GetString("description")

		var r io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer f.Close()
			r = f
		}

		tmpl := models.Indicator{Feed: feed, Confidence: confidence, List: list, Description: desc}
		if ttl > 0 {
			tmpl.Expires = time.Now().Add(ttl).UTC()
		}
		inds, skipped, err := readIndicators(r, tmpl)
		if err != nil {
			return err
		}
		for _, s := range skipped {
			out.Warn("%s", s)
		}
		if len(inds) == 0 {
			return fmt.Errorf("no valid indicators to import")
		}

		repo, err := openRepository(cmd.Context())
		if err != nil {
			return err
		}
		defer repo.Close()

		n, err := repo.UpsertIndicators(cmd.Context(), inds)
		if err != nil {
			return fmt.Errorf("failed to import indicators: %w", err)
		}
		out.Success("Imported %d indicators to the %s (feed %s)", n, list, feed)
		return nil
	},
}

// readIndicators parses one value per line into copies of tmpl. Lines that
// cannot be classified are reported in skipped.
func readIndicators(r io.Reader, tmpl models.Indicator) (inds []models.Indicator, skipped []string, err error) {
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		kind, value, err := indicator.Classify(text)
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		ind := tmpl
		ind.Kind = kind
		ind.Value = value
		if kind == models.IndicatorDomain {
			ind.Value = indicator.NormalizeDomain(value)
		}
		inds = append(inds, ind)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read indicators: %w", err)
	}
	return inds, skipped, nil
}

var indicatorsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List stored indicators",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepository(cmd.Context())
		if err != nil {
			return err
		}
		defer repo.Close()

		inds, err := repo.ListIndicators(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list indicators: %w", err)
		}
		if listName, _ := cmd.Flags().GetString("list"); listName != "" {
			list, err := models.ParseListKind(listName)
			if err != nil {
				return err
			}
			kept := inds[:0]
			for _, ind := range inds {
				if ind.List == list {
					kept = append(kept, ind)
				}
			}
			inds = kept
		}

		if jsonOutput(cmd) {
			return out.JSON(inds)
		}
		if len(inds) == 0 {
			out.Info("No indicators found")
			return nil
		}
		table := output.NewTable("KIND", "VALUE", "LIST", "FEED", "CONFIDENCE", "EXPIRES", "DESCRIPTION")
		for _, ind := range inds {
			expires := "never"
			if !ind.Expires.IsZero() {
				expires = ind.Expires.Format(time.RFC3339)
			}
			table.AddRow(ind.Kind.String(), ind.Value, ind.List.String(), ind.Feed,
				strconv.Itoa(ind.Confidence), expires, ind.Description)
		}
		out.Render(table)
		out.Info("%d indicators", len(inds))
		return nil
	},
}

var indicatorsDeleteCmd = &cobra.Command{
	Use:     "delete <value>",
	Aliases: []string{"rm"},
	Short:   "Delete one indicator",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		listName, _ := cmd.Flags().GetString("list")
		list, err := models.ParseListKind(listName)
		if err != nil {
			return err
		}
		kind, value, err := indicator.Classify(args[0])
		if err != nil {
			return err
		}
		if kind == models.IndicatorDomain {
			value = indicator.NormalizeDomain(value)
		}

		repo, err := openRepository(cmd.Context())
		if err != nil {
			return err
		}
		defer repo.Close()

		if err := repo.DeleteIndicator(cmd.Context(), kind, value, list); err != nil {
			return fmt.Errorf("failed to delete %s %s: %w", kind, value, err)
		}
		out.Success("Deleted %s %s from the %s", kind, value, list)
		return nil
	},
}

func openRepository(ctx context.Context) (*repository.PostgresRepository, error) {
	connString := cfg.Postgres.ConnString()
	if err := repository.Migrate(connString); err != nil {
		return nil, err
	}
	repo, err := repository.NewPostgresRepository(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return repo, nil
}

func init() {
	rootCmd.AddCommand(indicatorsCmd)
	indicatorsCmd.AddCommand(indicatorsImportCmd, indicatorsListCmd, indicatorsDeleteCmd)

	indicatorsImportCmd.Flags().String("list", "blacklist", "list to import into: blacklist, whitelist")
	indicatorsImportCmd.Flags().String("feed", matcher.LocalFeed, "feed name recorded on each indicator")
	indicatorsImportCmd.Flags().Int("confidence", 100, "confidence 0-100")
	indicatorsImportCmd.Flags().Duration("ttl", 0, "expire indicators after this long (0 never expires)")
	indicatorsImportCmd.Flags().String("description", "", "description recorded on each indicator")

	indicatorsListCmd.Flags().String("list", "", "only show this list: blacklist, whitelist")

	indicatorsDeleteCmd.Flags().String("list", "blacklist", "list to delete from: blacklist, whitelist")
}
