package fleetagent

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// Remote commands the agent understands. Anything else is confirmed back
// with an error status so the collector does not hand it out forever.
const (
	commandScreencap = "screencap"
	commandEcho      = "echo"
	commandShell     = "shell"
)

// serveCommands fetches and executes pending collector commands for one
// device, confirming each result. All failures are best-effort.
func (w *TelemetryWatcher) serveCommands(ctx context.Context, dev Device) {
	commands, err := w.collector.GetCommands(ctx, dev.ID)
	if err != nil {
		log.Warn().Err(err).Str("device", dev.ID).Msg("fetching remote commands")
		return
	}
	for _, cmd := range commands {
		if ctx.Err() != nil {
			return
		}
		status, result := w.executeCommand(ctx, dev, cmd)
		if err := w.collector.ConfirmCommand(ctx, cmd.ID, status, result); err != nil {
			log.Warn().Err(err).Str("device", dev.ID).Int64("command", cmd.ID).Msg("confirming remote command")
		}
	}
}

func (w *TelemetryWatcher) executeCommand(ctx context.Context, dev Device, cmd Command) (status, result string) {
	log.Info().Str("device", dev.ID).Int64("command", cmd.ID).Str("name", cmd.Name).Msg("executing remote command")
	switch cmd.Name {
	case commandScreencap:
		// A string param names the target section; anything else captures
		// into the default command section.
		section := "command"
		var s string
		if err := json.Unmarshal(cmd.Params, &s); err == nil && s != "" {
			section = s
		}
		screen, err := w.bridge.Capture(ctx, dev.ID)
		if err != nil {
			return CommandError, err.Error()
		}
		if err := w.collector.UploadScreenshot(ctx, dev, section, screen); err != nil {
			return CommandError, err.Error()
		}
		return CommandDone, "screenshot uploaded"
	case commandEcho:
		return CommandDone, "echo: " + cmd.ParamsText()
	case commandShell:
		out, err := w.bridge.Shell(ctx, dev.ID, "sh", "-c", cmd.ParamsText())
		if err != nil {
			return CommandError, err.Error()
		}
		return CommandDone, out
	default:
		return CommandError, "unknown command: " + cmd.Name
	}
}
