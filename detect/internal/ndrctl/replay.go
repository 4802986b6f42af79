package ndrctl

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-ndr/common/logging"
	"github.com/telhawk-systems/telhawk-ndr/common/messaging"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

var replayCmd = &cobra.Command{
	Use:   "replay <capture>",
	Short: "Replay a packet capture through the detectors",
	Long: `Replay a pcap or pcapng capture of Ethernet frames.

Frames run through an in-process engine on the capture's own clock and
the alerts are printed. With --publish the frames are sent to the
engine's sensor intake over NATS instead.`,
	Example: `  ndrctl replay incident.pcap
  ndrctl replay --publish --sensor tap-dc1 incident.pcapng`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		frames, err := readCapture(args[0])
		if err != nil {
			return err
		}
		if len(frames) == 0 {
			out.Warn("%s contains no frames", args[0])
			return nil
		}

		if publish, _ := cmd.Flags().GetBool("publish"); publish {
			return publishFrames(cmd, frames)
		}
		engineCfg, _ := cmd.Flags().GetString("engine-config")
		alerts, err := runFrames(cmd, engineCfg, frames)
		if err != nil {
			return err
		}
		return reportAlerts(cmd, alerts, nil)
	},
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// readCapture loads every frame of a pcap or pcapng file.
func readCapture(path string) ([]models.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}
	defer f.Close()

	var r packetReader
	if pr, err := pcapgo.NewReader(f); err == nil {
		r = pr
	} else {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		ng, ngErr := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
		if ngErr != nil {
			return nil, fmt.Errorf("%s is neither pcap (%v) nor pcapng (%v)", path, err, ngErr)
		}
		r = ng
	}
	if lt := r.LinkType(); lt != layers.LinkTypeEthernet {
		return nil, fmt.Errorf("unsupported link type %s: only Ethernet captures can be replayed", lt)
	}

	var frames []models.Frame
	for {
		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read frame %d: %w", len(frames)+1, err)
		}
		frames = append(frames, models.Frame{Data: append([]byte(nil), data...), Timestamp: ci.Timestamp})
	}
	return frames, nil
}

func runFrames(cmd *cobra.Command, engineCfg string, frames []models.Frame) ([]*models.Alert, error) {
	logger := cmdLogger(cmd)
	p, err := newPipeline(engineCfg, len(frames), logger)
	if err != nil {
		return nil, err
	}
	p.start()
	first := frames[0].Timestamp
	rejected := 0
	for _, fr := range frames {
		if err := p.frame(fr, fr.Timestamp.Sub(first)); err != nil {
			rejected++
			logger.Debug("frame rejected", logging.Error(err))
		}
	}
	if rejected > 0 {
		out.Warn("%d of %d frames had no IP layer and were skipped", rejected, len(frames))
	}
	return p.finish(cmd.Context())
}

func publishFrames(cmd *cobra.Command, frames []models.Frame) error {
	sensor, _ := cmd.Flags().GetString("sensor")
	if sensor == "" {
		sensor = cfg.SensorID
	}
	batch, _ := cmd.Flags().GetInt("batch")
	if batch <= 0 {
		batch = 100
	}
	pace, _ := cmd.Flags().GetBool("realtime")

	client, err := connectNATS()
	if err != nil {
		return err
	}
	defer client.Drain()

	subject := messaging.FlowFrameSubject(sensor)
	opts := authHeader()
	started := time.Now()
	for start := 0; start < len(frames); start += batch {
		end := min(start+batch, len(frames))
		if pace {
			wait := frames[start].Timestamp.Sub(frames[0].Timestamp) - time.Since(started)
			if wait > 0 {
				time.Sleep(wait)
			}
		}
		if err := client.PublishJSON(cmd.Context(), subject, frames[start:end], opts...); err != nil {
			return fmt.Errorf("failed to publish frames: %w", err)
		}
	}
	out.Success("Published %d frames to %s", len(frames), subject)
	return nil
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().Bool("publish", false, "publish frames to NATS instead of running locally")
	replayCmd.Flags().Bool("realtime", false, "with --publish, pace batches by capture timestamps")
	replayCmd.Flags().String("engine-config", "", "engine config file for local replay")
	replayCmd.Flags().String("sensor", "", "sensor ID to publish as (default from config)")
	replayCmd.Flags().Int("batch", 100, "frames per published message")
}
