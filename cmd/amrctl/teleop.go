package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/banshee-data/amr.controller/internal/api"
	"github.com/banshee-data/amr.controller/internal/control"
	"github.com/banshee-data/amr.controller/internal/robot"
)

const (
	// refreshInterval must stay below the controller's drive watchdog.
	refreshInterval = 200 * time.Millisecond
	speedStep       = 10
	minTeleopSpeed  = 10
)

type theme struct {
	Title     lipgloss.Style
	Label     lipgloss.Style
	Card      lipgloss.Style
	Help      lipgloss.Style
	Error     lipgloss.Style
	Emergency lipgloss.Style
	Active    lipgloss.Style
}

func defaultTheme() theme {
	return theme{
		Title: lipgloss.NewStyle().Bold(true),
		Label: lipgloss.NewStyle().Faint(true).Width(11),
		Card: lipgloss.NewStyle().
			Padding(1, 2).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")),
		Help:      lipgloss.NewStyle().Faint(true),
		Error:     lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		Emergency: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("9")),
		Active:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
	}
}

type tickMsg time.Time

// resultMsg carries the outcome of one API call.
type resultMsg struct {
	action string
	status api.StatusResponse
	err    error
}

type teleopModel struct {
	ctx     context.Context
	c       *client
	timeout time.Duration
	theme   theme

	speed   int
	dir     control.Direction // held direction, empty when stopped
	pending int

	status   *api.StatusResponse
	lastAct  string
	err      error
	quitting bool
}

func newTeleopModel(ctx context.Context, c *client, speed int, timeout time.Duration) teleopModel {
	return teleopModel{ctx: ctx, c: c, speed: speed, timeout: timeout, theme: defaultTheme()}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m teleopModel) Init() tea.Cmd {
	return tea.Batch(m.call("status", func(ctx context.Context) (api.StatusResponse, error) {
		return m.c.Status(ctx)
	}), tick())
}

func (m *teleopModel) call(action string, fn func(context.Context) (api.StatusResponse, error)) tea.Cmd {
	m.pending++
	ctx, timeout := m.ctx, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		s, err := fn(ctx)
		return resultMsg{action: action, status: s, err: err}
	}
}

func (m *teleopModel) drive(dir control.Direction) tea.Cmd {
	speed := m.speed
	return m.call("drive "+string(dir), func(ctx context.Context) (api.StatusResponse, error) {
		return m.c.Drive(ctx, string(dir), &speed)
	})
}

// hold latches a direction and sends it at once unless it is already held.
func (m *teleopModel) hold(dir control.Direction) tea.Cmd {
	if m.dir == dir {
		return nil
	}
	m.dir = dir
	return m.drive(dir)
}

func (m *teleopModel) stop() tea.Cmd {
	m.dir = ""
	return m.drive(control.Stop)
}

func (m teleopModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		if m.quitting {
			return m, nil
		}
		var cmd tea.Cmd
		switch {
		case m.pending > 0:
		case m.dir != "":
			cmd = m.drive(m.dir)
		default:
			cmd = m.call("status", func(ctx context.Context) (api.StatusResponse, error) {
				return m.c.Status(ctx)
			})
		}
		return m, tea.Batch(cmd, tick())

	case resultMsg:
		if m.pending > 0 {
			m.pending--
		}
		if msg.err != nil {
			m.err = msg.err
			// a refused drive must not keep being retried
			if strings.HasPrefix(msg.action, "drive") {
				m.dir = ""
			}
			return m, nil
		}
		m.err = nil
		s := msg.status
		m.status = &s
		if msg.action != "status" {
			m.lastAct = msg.action
		}
		return m, nil

	case tea.KeyMsg:
		cmd := m.handleKey(msg.String())
		return m, cmd
	}
	return m, nil
}

// handleKey applies a key press and returns the API call it triggers.
func (m *teleopModel) handleKey(key string) tea.Cmd {
	switch key {
	case "q", "ctrl+c", "esc":
		m.quitting = true
		return tea.Sequence(m.stop(), tea.Quit)
	case "up", "w":
		return m.hold(control.Forward)
	case "down", "s":
		return m.hold(control.Backward)
	case "left", "a":
		return m.hold(control.Left)
	case "right", "d":
		return m.hold(control.Right)
	case " ":
		return m.stop()
	case "e":
		m.dir = ""
		return m.call("estop", func(ctx context.Context) (api.StatusResponse, error) {
			return m.c.EmergencyStop(ctx, "teleop")
		})
	case "r":
		return m.call("rearm", m.c.Rearm)
	case "1", "2", "3", "4":
		mode := robot.Modes[key[0]-'1']
		m.dir = ""
		return m.call("mode "+string(mode), func(ctx context.Context) (api.StatusResponse, error) {
			return m.c.SetMode(ctx, mode)
		})
	case "+", "=":
		m.speed = min(m.speed+speedStep, 100)
	case "-", "_":
		m.speed = max(m.speed-speedStep, minTeleopSpeed)
	}
	return nil
}

func (m teleopModel) row(label, value string) string {
	return m.theme.Label.Render(label) + value + "\n"
}

func (m teleopModel) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(m.theme.Title.Render("amrctl teleop") + "  " + m.theme.Help.Render(m.c.base) + "\n\n")

	var card strings.Builder
	if s := m.status; s != nil {
		if s.EmergencyActive {
			card.WriteString(m.theme.Emergency.Render(" EMERGENCY STOP: "+s.EmergencyReason+" ") + "\n\n")
		}
		modes := make([]string, len(robot.Modes))
		for i, mode := range robot.Modes {
			label := fmt.Sprintf("%d %s", i+1, mode)
			if mode == s.Mode {
				label = m.theme.Active.Render(label)
			}
			modes[i] = label
		}
		card.WriteString(m.row("Mode", strings.Join(modes, "  ")))
		card.WriteString(m.row("Health", string(s.Health)))
		card.WriteString(m.row("Battery", fmt.Sprintf("%.2f V (%d%%)", s.Battery.Voltage, s.Battery.Percentage)))
		card.WriteString(m.row("Pose", fmt.Sprintf("x=%.2f y=%.2f %s  %.1f°", s.Pose.X, s.Pose.Y, s.Units, s.Pose.Theta)))
		card.WriteString(m.row("Motors", fmt.Sprintf("L %.0f%%  R %.0f%%", s.Motors.LeftSpeed, s.Motors.RightSpeed)))
		ranges := make([]string, len(s.Sensors.Lidar))
		for i, v := range s.Sensors.Lidar {
			ranges[i] = formatRange(v)
		}
		card.WriteString(m.row("Lidar", strings.Join(ranges, " ")))
		if s.Maneuver != "" {
			card.WriteString(m.row("Maneuver", s.Maneuver))
		}
	} else {
		card.WriteString("waiting for controller...\n")
	}
	held := "stopped"
	if m.dir != "" {
		held = string(m.dir)
	}
	card.WriteString(m.row("Drive", fmt.Sprintf("%s at %d%%", held, m.speed)))
	if m.lastAct != "" {
		card.WriteString(m.row("Last", m.lastAct))
	}
	b.WriteString(m.theme.Card.Render(strings.TrimRight(card.String(), "\n")) + "\n")

	if m.err != nil {
		b.WriteString(m.theme.Error.Render(m.err.Error()) + "\n")
	}
	b.WriteString(m.theme.Help.Render("←↑↓→/wasd drive • space stop • e e-stop • r re-arm • 1-4 mode • +/- speed • q quit"))
	return b.String()
}

func teleopCmd(opts *rootOptions) *cobra.Command {
	var speed int

	c := &cobra.Command{
		Use:   "teleop",
		Short: "Drive the robot from the keyboard",
		Long: "Drive the robot from the keyboard. A direction key keeps the robot\n" +
			"moving until space, another direction or a mode change; the command is\n" +
			"refreshed every " + refreshInterval.String() + " so the controller watchdog stays fed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if speed < minTeleopSpeed || speed > 100 {
				return fmt.Errorf("invalid speed %d, expected %d..100", speed, minTeleopSpeed)
			}
			cl, err := opts.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			p := tea.NewProgram(newTeleopModel(ctx, cl, speed, opts.timeout), tea.WithAltScreen(), tea.WithContext(ctx))
			_, runErr := p.Run()

			// leave the motors stopped however the program ended
			stopCtx, cancel := context.WithTimeout(context.Background(), opts.timeout)
			defer cancel()
			if _, err := cl.Drive(stopCtx, string(control.Stop), nil); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "failed to stop motors: %v\n", err)
			}
			if errors.Is(runErr, tea.ErrProgramKilled) && ctx.Err() != nil {
				return nil
			}
			return runErr
		},
	}
	c.Flags().IntVar(&speed, "speed", 50, "Initial drive speed in percent")
	return c
}
