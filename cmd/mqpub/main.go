// Command mqpub is a manual MQTT publish/test CLI for exercising a
// mqdevice agent from the host side. Beyond a plain publish it also
// drives mqboard's chunked upload shape (BUFLEN-sized writes, with
// "SEQ n" flow-control replies awaited for ota) against a running
// device's put/ota handlers, the host-side half of a file/firmware
// sync tool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lithammer/shortuuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tve/mqboard/internal/chunk"
	"github.com/tve/mqboard/internal/mqttclient"
	"github.com/tve/mqboard/internal/wire"
)

var (
	broker       string
	port         int
	clientID     string
	topic        string
	message      string
	qos          int
	retain       bool
	responseTime time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "mqpub",
	Short: "Publish and upload to a mqboard device",
}

var pubCmd = &cobra.Command{
	Use:   "pub",
	Short: "Publish a single message",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Stop()
		return client.Publish(cmd.Context(), []byte(topic), []byte(message), retain, qos, true)
	},
}

var putFile string
var putPrefix string

var putCmd = &cobra.Command{
	Use:   "put",
	Short: "Upload a file to a device's put command, chunked, with flow control",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Stop()
		return uploadFile(cmd.Context(), client, putPrefix, putFile, "put")
	},
}

var otaFile string
var otaSHA string
var otaPrefix string

var otaCmd = &cobra.Command{
	Use:   "ota",
	Short: "Upload a firmware image to a device's ota command",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Stop()
		return uploadFile(cmd.Context(), client, otaPrefix, otaFile, "ota/"+otaSHA)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&broker, "broker", "b", "localhost", "the MQTT broker host to connect to")
	flags.IntVarP(&port, "port", "", 1883, "the MQTT broker port")
	flags.StringVarP(&clientID, "client", "c", "", "the MQTT client id to use, default is a short UUID")
	flags.DurationVarP(&responseTime, "response_time", "", 10*time.Second, "broker response timeout")

	pubFlags := pubCmd.Flags()
	pubFlags.StringVarP(&topic, "topic", "t", "test", "the MQTT topic to publish to")
	pubFlags.StringVarP(&message, "message", "m", "", "the message to send")
	pubFlags.IntVarP(&qos, "qos", "q", 0, "quality of service, 0 or 1")
	pubFlags.BoolVarP(&retain, "retain", "r", false, "whether the message should be retained")

	putFlags := putCmd.Flags()
	putFlags.StringVarP(&putFile, "file", "f", "", "local file to upload")
	putFlags.StringVarP(&putPrefix, "prefix", "p", "", "device command topic prefix, e.g. dev/abc123")

	otaFlags := otaCmd.Flags()
	otaFlags.StringVarP(&otaFile, "file", "f", "", "firmware image to upload")
	otaFlags.StringVarP(&otaSHA, "sha256", "", "", "expected hex SHA-256 of the image")
	otaFlags.StringVarP(&otaPrefix, "prefix", "p", "", "device command topic prefix, e.g. dev/abc123")

	rootCmd.AddCommand(pubCmd, putCmd, otaCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.WithError(err).Fatal("mqpub: exiting")
	}
}

func dial(ctx context.Context) (*mqttclient.Client, error) {
	id := clientID
	if id == "" {
		id = shortuuid.New()
		log.Infof("using generated client id %s", id)
	}
	client := mqttclient.New(mqttclient.Config{
		Server:       broker,
		Port:         port,
		ClientID:     []byte(id),
		CleanSession: true,
		ResponseTime: responseTime,
	})
	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("mqpub: connecting: %w", err)
	}
	return client, nil
}

// uploadFile drives the chunked-put/ota upload shape: publish
// BUFLEN-sized chunks to {prefix}/cmd/{command}/{request-id}. For ota
// it waits for a flow-control "SEQ n" reply every 8 chunks so the
// device's bounded block buffer is never overrun; put sends no such
// replies, so put chunks go out without waiting.
func uploadFile(ctx context.Context, client *mqttclient.Client, prefix, path, command string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("mqpub: %w", err)
	}
	defer f.Close()

	requestID := shortuuid.New()
	replyOut := prefix + "/reply/out/" + requestID
	replyErr := prefix + "/reply/err/" + requestID

	acks := make(chan string, 16)
	client.OnMessage(func(msg wire.Message) {
		t := string(msg.Topic)
		if t == replyOut || t == replyErr {
			select {
			case acks <- string(msg.Payload):
			default:
			}
		}
	})
	if err := client.Subscribe(ctx, []byte(replyOut), 1); err != nil {
		return err
	}
	if err := client.Subscribe(ctx, []byte(replyErr), 1); err != nil {
		return err
	}

	emitter := chunk.NewEmitter(f)
	cmdTopic := []byte(fmt.Sprintf("%s/cmd/%s/%s", prefix, command, requestID))
	sent := 0
	for {
		framed, last, err := emitter.Next()
		if err != nil {
			return fmt.Errorf("mqpub: reading %s: %w", path, err)
		}
		if err := client.Publish(ctx, cmdTopic, framed, false, 1, last); err != nil {
			return fmt.Errorf("mqpub: publishing chunk: %w", err)
		}
		sent++
		if last {
			break
		}
		if command != "put" && sent%8 == 0 {
			select {
			case <-acks:
			case <-time.After(responseTime):
				return fmt.Errorf("mqpub: timed out waiting for flow-control ack")
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	select {
	case reply := <-acks:
		log.Infof("upload complete: %s", reply)
	case <-time.After(responseTime):
		return fmt.Errorf("mqpub: timed out waiting for final reply")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
