package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/daryltucker/forest-bench/internal/engine"
	"github.com/daryltucker/forest-bench/internal/model"
	"github.com/daryltucker/forest-bench/internal/output"
)

var (
	uploadSession string
	uploadBucket  string
	uploadPrefix  string
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Archive result files to S3 (or an S3-compatible store)",
	Long: `Uploads files under <prefix>/<session>/<file name>. Credentials come from
archive.access_key_id/secret_access_key when set, otherwise from the default
AWS credential chain.`,
	Example: `  forest-bench upload results/offline_*_20250101_120000.* --session 20250101_120000 --bucket bench-results`,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := cfg.Archive
		if cmd.Flags().Changed("bucket") {
			a.Bucket = uploadBucket
		}
		if cmd.Flags().Changed("prefix") {
			a.Prefix = uploadPrefix
		}
		session := uploadSession
		if session == "" {
			session = time.Now().Format(model.FileStampLayout)
		}

		archive, err := output.NewS3Archive(cmd.Context(), engine.ArchiveOptions(a))
		if err != nil {
			return err
		}
		keys, err := archive.Upload(cmd.Context(), session, args...)
		for _, key := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "s3://%s/%s\n", a.Bucket, key)
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().StringVar(&uploadSession, "session", "", "Session folder name (default current timestamp)")
	uploadCmd.Flags().StringVar(&uploadBucket, "bucket", "", "Bucket (overrides archive.bucket)")
	uploadCmd.Flags().StringVar(&uploadPrefix, "prefix", "", "Key prefix (overrides archive.prefix)")
}
