package main

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"agent-session-sync/internal/api"
	"agent-session-sync/internal/engine"
	"agent-session-sync/internal/model"

	"github.com/spf13/cobra"
)

var (
	sendCreate bool
	sendWait   time.Duration
)

// errSessionBusy 会话已有运行时拒绝发送，CLI 不替用户排队
var errSessionBusy = errors.New("session is busy")

// checkIdle 在发送前确认会话空闲
func checkIdle(sess model.Session) error {
	if sess.Status.IsActive() {
		return fmt.Errorf("%w: %s is %s, retry when idle", errSessionBusy, sess.ID, sess.Status)
	}
	return nil
}

// runSettled 判断本次发送的运行是否已结束，且队列里没有待发或正在发送的消息
func runSettled(started bool, status model.SessionStatus, queueBusy bool) bool {
	return started && status.IsTerminal() && !queueBusy
}

var sendCmd = &cobra.Command{
	Use:   "send [session-id] <message>",
	Short: "Send a message to a session and wait for the run to finish",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		var sessionID, text string
		switch {
		case sendCreate && len(args) == 1:
			text = args[0]
			created, err := api.NewClient(cfg.API.BaseURL, cfg.API.Timeout).CreateSession(ctx, model.CreateSessionRequest{})
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			sessionID = created.SessionID
			fmt.Fprintf(cmd.OutOrStdout(), "created session %s\n", sessionID)
		case len(args) == 2:
			sessionID, text = args[0], args[1]
		default:
			return fmt.Errorf("session id required unless --create is set")
		}

		sub, err := engine.Dial(ctx, cfg, sessionID)
		if err != nil {
			return err
		}
		defer sub.Close()

		if err := checkIdle(sub.Session()); err != nil {
			return err
		}

		done := make(chan struct{}, 1)
		var started atomic.Bool
		unwatch := sub.Watch(func(u engine.Update) {
			if u.Kind != engine.UpdateSession {
				return
			}
			status := sub.Session().Status
			if status.IsActive() {
				started.Store(true)
				return
			}
			if runSettled(started.Load(), status, sub.QueueBusy()) {
				select {
				case done <- struct{}{}:
				default:
				}
			}
		})
		defer unwatch()

		if err := sub.SendMessage(ctx, model.TextContent(strings.TrimSpace(text)), nil); err != nil {
			return err
		}

		timer := time.NewTimer(sendWait)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			return fmt.Errorf("run did not finish within %s", sendWait)
		case <-ctx.Done():
			return ctx.Err()
		}
		return renderView(cmd.OutOrStdout(), snapshotView(sub), "text")
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolVar(&sendCreate, "create", false, "先创建新会话")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 2*time.Minute, "等待运行结束的最长时间")
}
