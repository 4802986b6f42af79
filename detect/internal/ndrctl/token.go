package ndrctl

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/sensorauth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sensor intake tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue [sensor-id]",
	Short: "Issue a sensor token",
	Long: `Sign a token a sensor presents in the Authorization header of intake
messages. The secret must match the engine's intake.auth_secret; it is
read from --secret or NDR_INTAKE_AUTH_SECRET.`,
	Example: `  NDR_INTAKE_AUTH_SECRET=... ndrctl token issue tap-dc1 --ttl 720h`,
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sensor := cfg.SensorID
		if len(args) == 1 {
			sensor = args[0]
		}
		secret, _ := cmd.Flags().GetString("secret")
		if secret == "" {
			secret = os.Getenv("NDR_INTAKE_AUTH_SECRET")
		}
		if secret == "" {
			return fmt.Errorf("no signing secret: pass --secret or set NDR_INTAKE_AUTH_SECRET")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")

		token, err := sensorauth.NewVerifier(secret, ttl).Issue(sensor)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		if jsonOutput(cmd) {
			return out.JSON(map[string]string{"sensor_id": sensor, "token": token})
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd)

	tokenIssueCmd.Flags().String("secret", "", "intake signing secret")
	tokenIssueCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
}
