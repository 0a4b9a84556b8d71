package main

import (
	"fmt"
	"io"
	"strings"

	"agent-session-sync/internal/engine"
	"agent-session-sync/internal/model"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	watchOutput string
	watchServer string
)

// sessionView watch 输出的一帧
type sessionView struct {
	Session    string                   `yaml:"session"`
	Status     model.SessionStatus      `yaml:"status"`
	Progress   int                      `yaml:"progress"`
	Connection model.ConnectionState    `yaml:"connection"`
	Transport  string                   `yaml:"transport"`
	State      model.StatePatch         `yaml:"state,omitempty"`
	Messages   []model.ChatMessage      `yaml:"messages"`
	Pending    []model.PendingMessage   `yaml:"pending,omitempty"`
	Requests   []model.UserInputRequest `yaml:"requests,omitempty"`
	Files      []model.WorkspaceFile    `yaml:"files,omitempty"`
	Error      string                   `yaml:"error,omitempty"`
}

func snapshotView(sub *engine.Subscription) sessionView {
	sess := sub.Session()
	v := sessionView{
		Session:    sub.ID(),
		Status:     sess.Status,
		Progress:   sess.Progress,
		Connection: sub.ConnectionState(),
		Transport:  string(sub.TransportMode()),
		State:      sess.State,
		Messages:   sub.Messages(),
		Pending:    sub.PendingMessages(),
		Requests:   sub.PendingRequests(),
		Files:      sub.WorkspaceFiles(),
	}
	if err := sub.Err(); err != nil {
		v.Error = err.Error()
	}
	return v
}

func renderView(w io.Writer, v sessionView, format string) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	}

	fmt.Fprintf(w, "[%s] %s %d%% (%s/%s)\n", v.Session, v.Status, v.Progress, v.Connection, v.Transport)
	for _, m := range v.Messages {
		fmt.Fprintf(w, "  %-9s %-9s %s\n", m.Role, m.Status, firstLine(m.Content.PlainText()))
	}
	for i, p := range v.Pending {
		fmt.Fprintf(w, "  queued#%d  %s\n", i, firstLine(p.Content.PlainText()))
	}
	for _, r := range v.Requests {
		fmt.Fprintf(w, "  request   %s (%s)\n", r.ID, r.ToolName)
	}
	if v.Error != "" {
		fmt.Fprintf(w, "  error     %s\n", v.Error)
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

var watchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Follow a session and print its state on every change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchOutput != "text" && watchOutput != "yaml" {
			return fmt.Errorf("unsupported output %q", watchOutput)
		}
		if watchServer != "" {
			cfg.API.BaseURL = watchServer
		}

		ctx, stop := signalContext()
		defer stop()

		sub, err := engine.Dial(ctx, cfg, args[0])
		if err != nil {
			return err
		}
		defer sub.Close()

		frames := make(chan struct{}, 1)
		unwatch := sub.Watch(func(engine.Update) {
			select {
			case frames <- struct{}{}:
			default:
			}
		})
		defer unwatch()

		out := cmd.OutOrStdout()
		if err := renderView(out, snapshotView(sub), watchOutput); err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-frames:
				if err := renderView(out, snapshotView(sub), watchOutput); err != nil {
					return err
				}
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVarP(&watchOutput, "output", "o", "text", "输出格式 (text, yaml)")
	watchCmd.Flags().StringVar(&watchServer, "server", "", "后端地址，覆盖 api.base_url")
}
