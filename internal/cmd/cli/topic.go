package cli

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/rzbill/pagedtopic/internal/future"
	"github.com/rzbill/pagedtopic/internal/page"
	"github.com/rzbill/pagedtopic/internal/publisher"
	"github.com/rzbill/pagedtopic/internal/runtime"
	"github.com/rzbill/pagedtopic/internal/topic"
	"github.com/rzbill/pagedtopic/pkg/log"
)

type publishedLine struct {
	Channel  int    `json:"channel"`
	Position string `json:"position"`
	Error    string `json:"error,omitempty"`
}

// newPublishCommand constructs the `publish` command.
func newPublishCommand(logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish messages to a topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := requireString(cmd, "topic")
			if err != nil {
				return err
			}
			count, _ := cmd.Flags().GetInt("count")
			data, _ := cmd.Flags().GetString("data")
			orderKey, _ := cmd.Flags().GetString("order-key")
			channel, _ := cmd.Flags().GetInt("channel")
			if count <= 0 {
				return fmt.Errorf("--count must be positive")
			}
			return withRuntime(cmd, logger, func(ctx context.Context, rt *runtime.Runtime) error {
				pub, err := rt.NewPublisher(ctx, name, publisher.Options{})
				if err != nil {
					return err
				}
				var opts []publisher.PublishOption
				switch {
				case channel >= 0:
					opts = append(opts, publisher.WithChannel(channel))
				case orderKey != "":
					opts = append(opts, publisher.WithOrderKey([]byte(orderKey)))
				}
				futs := make([]*future.Future[publisher.PublishStatus], 0, count)
				for i := 0; i < count; i++ {
					payload := data
					if strings.Contains(data, "%d") {
						payload = fmt.Sprintf(data, i)
					}
					fut, err := pub.Publish([]byte(payload), opts...)
					if err != nil {
						_ = pub.Close(ctx)
						return err
					}
					futs = append(futs, fut)
				}
				failed := 0
				for _, fut := range futs {
					st, err := fut.Wait(ctx)
					line := publishedLine{Channel: st.Channel, Position: st.Position.String()}
					if err != nil {
						failed++
						line.Error = err.Error()
					}
					_ = printJSON(cmd.OutOrStdout(), line)
				}
				if err := pub.Close(ctx); err != nil {
					return err
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d messages failed", failed, count)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("topic", "", "Topic")
	cmd.Flags().Int("count", 1, "Number of messages")
	cmd.Flags().String("data", "message-%d", "Payload; %d is replaced by the message index")
	cmd.Flags().String("order-key", "", "Route every message by this key")
	cmd.Flags().Int("channel", -1, "Publish to this channel (overrides --order-key)")
	return cmd
}

// newRemainingCommand constructs the `remaining` command.
func newRemainingCommand(logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remaining",
		Short: "Count messages a group has not committed yet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := requireString(cmd, "topic")
			if err != nil {
				return err
			}
			group, err := requireString(cmd, "group")
			if err != nil {
				return err
			}
			return withRuntime(cmd, logger, func(ctx context.Context, rt *runtime.Runtime) error {
				svc, _, err := rt.Topic(ctx, name)
				if err != nil {
					return err
				}
				byChannel := svc.RemainingMessages(group, allChannels(svc)...)
				total := 0
				for _, n := range byChannel {
					total += n
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"total": total, "channels": byChannel})
			})
		},
	}
	cmd.Flags().String("topic", "", "Topic")
	cmd.Flags().String("group", "", "Subscriber group")
	return cmd
}

// newRollbackCommand constructs the `rollback` command.
func newRollbackCommand(logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Show the resume position of a group per channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := requireString(cmd, "topic")
			if err != nil {
				return err
			}
			group, err := requireString(cmd, "group")
			if err != nil {
				return err
			}
			return withRuntime(cmd, logger, func(ctx context.Context, rt *runtime.Runtime) error {
				svc, _, err := rt.Topic(ctx, name)
				if err != nil {
					return err
				}
				out := make(map[int]string)
				for ch, pos := range svc.RollbackPositions(group, allChannels(svc)...) {
					out[ch] = pos.String()
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().String("topic", "", "Topic")
	cmd.Flags().String("group", "", "Subscriber group")
	return cmd
}

// newReadCommand constructs the `read` command.
func newReadCommand(logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Print stored messages of one channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := requireString(cmd, "topic")
			if err != nil {
				return err
			}
			ch, _ := cmd.Flags().GetInt("channel")
			fromStr, _ := cmd.Flags().GetString("from")
			limit, _ := cmd.Flags().GetInt("limit")
			from, err := page.ParsePosition(fromStr)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
			return withRuntime(cmd, logger, func(ctx context.Context, rt *runtime.Runtime) error {
				svc, _, err := rt.Topic(ctx, name)
				if err != nil {
					return err
				}
				msgs, err := svc.Read(ch, from, limit)
				if err != nil {
					return err
				}
				for _, m := range msgs {
					if err := printJSON(cmd.OutOrStdout(), decodedMessage(m)); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().String("topic", "", "Topic")
	cmd.Flags().Int("channel", 0, "Channel")
	cmd.Flags().String("from", "0:0", "Start position page:offset")
	cmd.Flags().Int("limit", 100, "Maximum messages")
	return cmd
}

// newDestroyCommand constructs the `destroy` command.
func newDestroyCommand(logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destroy a topic with its content and groups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := requireString(cmd, "topic")
			if err != nil {
				return err
			}
			if ok, _ := cmd.Flags().GetBool("confirm"); !ok {
				return fmt.Errorf("refusing to destroy %q without --confirm", name)
			}
			return withRuntime(cmd, logger, func(ctx context.Context, rt *runtime.Runtime) error {
				if err := rt.DestroyTopic(ctx, name); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]string{"destroyed": name})
			})
		},
	}
	cmd.Flags().String("topic", "", "Topic")
	cmd.Flags().Bool("confirm", false, "Confirm destruction")
	return cmd
}

// newSweepCommand constructs the `sweep` command.
func newSweepCommand(logger log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale subscribers and close orphans on every topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, logger, func(ctx context.Context, rt *runtime.Runtime) error {
				names, err := rt.Topics()
				if err != nil {
					return err
				}
				for _, n := range names {
					if _, _, err := rt.Topic(ctx, n); err != nil {
						return err
					}
				}
				expired, err := rt.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"topics": len(names), "expired": expired})
			})
		},
	}
}

func allChannels(svc *topic.Service) []int {
	n := svc.ChannelCount()
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// decodedMessage renders the payload as payload_json, payload_text or
// payload_b64.
func decodedMessage(m topic.Message) map[string]any {
	out := map[string]any{
		"channel":      m.Channel,
		"position":     m.Position.String(),
		"published_ms": m.PublishedMs,
	}
	if len(m.Payload) > 0 && (m.Payload[0] == '{' || m.Payload[0] == '[') {
		var v any
		if json.Unmarshal(m.Payload, &v) == nil {
			out["payload_json"] = v
			return out
		}
	}
	if utf8.Valid(m.Payload) {
		out["payload_text"] = string(m.Payload)
		return out
	}
	out["payload_b64"] = base64.StdEncoding.EncodeToString(m.Payload)
	return out
}
