package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

// services that can run under a supervisor. The relay exits non-zero when the
// session cannot be established, so both are restarted on failure.
var services = map[string]string{
	"run":   "Discord mention relay",
	"serve": "chat backend",
}

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "install [run|serve]",
		Short:     "Install the relay or the backend as a user service (launchd/systemd)",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"run", "serve"},
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := args[0]
			if _, ok := services[svc]; !ok {
				return fmt.Errorf("unknown service %q (want run or serve)", svc)
			}
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			u := unit{
				Service: svc,
				Exec:    execPath,
				Config:  resolveConfigPath(),
				LogDir:  filepath.Join(home, ".chatrelay", "logs"),
			}

			switch runtime.GOOS {
			case "darwin":
				path := filepath.Join(home, "Library", "LaunchAgents", u.label()+".plist")
				return install(path, u.launchd(), "launchctl load "+path, "launchctl unload "+path)
			case "linux":
				path := filepath.Join(home, ".config", "systemd", "user", u.name()+".service")
				return install(path, u.systemd(), "systemctl --user enable --now "+u.name(), "systemctl --user stop "+u.name())
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall [run|serve]",
		Short: "Remove an installed user service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			if _, ok := services[args[0]]; !ok {
				return fmt.Errorf("unknown service %q (want run or serve)", args[0])
			}
			u := unit{Service: args[0]}
			var path string
			switch runtime.GOOS {
			case "darwin":
				path = filepath.Join(home, "Library", "LaunchAgents", u.label()+".plist")
			case "linux":
				path = filepath.Join(home, ".config", "systemd", "user", u.name()+".service")
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service removed: %s\n", path)
			return nil
		},
	}
}

func install(path, contents, start, stop string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return err
	}
	fmt.Printf("Service installed: %s\n", path)
	fmt.Printf("To start: %s\n", start)
	fmt.Printf("To stop:  %s\n", stop)
	return nil
}

type unit struct {
	Service string
	Exec    string
	Config  string
	LogDir  string
}

func (u unit) name() string  { return "chatrelay-" + u.Service }
func (u unit) label() string { return "com.chatrelay." + u.Service }

func (u unit) render(tmpl string) string {
	return strings.NewReplacer(
		"{{LABEL}}", u.label(),
		"{{DESCRIPTION}}", "chatrelay "+services[u.Service],
		"{{EXEC}}", u.Exec,
		"{{SERVICE}}", u.Service,
		"{{CONFIG}}", u.Config,
		"{{LOG}}", filepath.Join(u.LogDir, u.name()+".log"),
		"{{ERR_LOG}}", filepath.Join(u.LogDir, u.name()+"-error.log"),
	).Replace(tmpl)
}

func (u unit) launchd() string { return u.render(launchdTemplate) }
func (u unit) systemd() string { return u.render(systemdTemplate) }

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>{{SERVICE}}</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description={{DESCRIPTION}}
After=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} {{SERVICE}} --config {{CONFIG}}
Restart=on-failure
RestartSec=30

[Install]
WantedBy=default.target`
