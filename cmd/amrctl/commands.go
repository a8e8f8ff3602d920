package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/banshee-data/amr.controller/internal/api"
	"github.com/banshee-data/amr.controller/internal/control"
	"github.com/banshee-data/amr.controller/internal/robot"
)

func modeNames() []string {
	names := make([]string, len(robot.Modes))
	for i, m := range robot.Modes {
		names[i] = string(m)
	}
	return names
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatRange(v float64) string {
	if v < 0 {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func printStatus(w io.Writer, s api.StatusResponse) {
	emergency := "no"
	if s.EmergencyActive {
		emergency = "ACTIVE"
		if s.EmergencyReason != "" {
			emergency += ": " + s.EmergencyReason
		}
	}
	fmt.Fprintf(w, "Mode:       %s\n", s.Mode)
	fmt.Fprintf(w, "Health:     %s\n", s.Health)
	fmt.Fprintf(w, "Emergency:  %s\n", emergency)
	fmt.Fprintf(w, "Battery:    %.2f V (%d%%)\n", s.Battery.Voltage, s.Battery.Percentage)
	fmt.Fprintf(w, "Pose:       x=%.2f y=%.2f %s, heading %.1f°\n", s.Pose.X, s.Pose.Y, s.Units, s.Pose.Theta)
	fmt.Fprintf(w, "Motors:     left %.0f%% right %.0f%%\n", s.Motors.LeftSpeed, s.Motors.RightSpeed)
	if s.Maneuver != "" {
		fmt.Fprintf(w, "Maneuver:   %s\n", s.Maneuver)
	}
	ranges := make([]string, len(s.Sensors.Lidar))
	for i, v := range s.Sensors.Lidar {
		ranges[i] = formatRange(v)
	}
	fmt.Fprintf(w, "Lidar:      [%s]\n", strings.Join(ranges, " "))
	fmt.Fprintf(w, "Ultrasonic: front %s back %s\n", formatRange(s.Sensors.UltrasonicFront), formatRange(s.Sensors.UltrasonicBack))
	firmware := s.Firmware
	if firmware == "" {
		firmware = "unknown"
	}
	fmt.Fprintf(w, "Link:       %s, last line %d ms ago\n", firmware, s.LinkAgeMillis)
}

// statusAction runs one API call and prints the resulting status.
func statusAction(opts *rootOptions, do func(cmd *cobra.Command, c *client) (api.StatusResponse, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		c, err := opts.client()
		if err != nil {
			return err
		}
		s, err := do(cmd, c)
		if err != nil {
			return err
		}
		if opts.json {
			return printJSON(cmd.OutOrStdout(), s)
		}
		printStatus(cmd.OutOrStdout(), s)
		return nil
	}
}

func statusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the robot status",
		Args:  cobra.NoArgs,
		RunE: statusAction(opts, func(cmd *cobra.Command, c *client) (api.StatusResponse, error) {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			return c.Status(ctx)
		}),
	}
}

func modeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "mode <" + strings.Join(modeNames(), "|") + ">",
		Short:     "Set the operating mode",
		Args:      cobra.ExactArgs(1),
		ValidArgs: modeNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := robot.ParseMode(args[0])
			if err != nil {
				return err
			}
			return statusAction(opts, func(cmd *cobra.Command, c *client) (api.StatusResponse, error) {
				ctx, cancel := opts.requestContext(cmd)
				defer cancel()
				return c.SetMode(ctx, mode)
			})(cmd, args)
		},
	}
}

func estopCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "estop [reason]",
		Short: "Latch the emergency stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			reason := strings.Join(args, " ")
			if reason == "" {
				reason = "operator"
			}
			return statusAction(opts, func(cmd *cobra.Command, c *client) (api.StatusResponse, error) {
				ctx, cancel := opts.requestContext(cmd)
				defer cancel()
				return c.EmergencyStop(ctx, reason)
			})(cmd, args)
		},
	}
}

func rearmCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rearm",
		Short: "Release a latched emergency stop",
		Args:  cobra.NoArgs,
		RunE: statusAction(opts, func(cmd *cobra.Command, c *client) (api.StatusResponse, error) {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			return c.Rearm(ctx)
		}),
	}
}

// parseSpeed reads a duty percent in 0..100.
func parseSpeed(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 || v > 100 {
		return 0, fmt.Errorf("invalid speed %q, expected 0..100", s)
	}
	return v, nil
}

func driveCmd(opts *rootOptions) *cobra.Command {
	dirs := []string{string(control.Forward), string(control.Backward), string(control.Left), string(control.Right), string(control.Stop)}
	return &cobra.Command{
		Use:   "drive <" + strings.Join(dirs, "|") + "> [speed]",
		Short: "Send one manual drive command",
		Long: "Send one manual drive command. The controller stops the motors when\n" +
			"no drive command arrives within its watchdog timeout; use teleop to\n" +
			"drive continuously.",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: dirs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := control.ParseDirection(args[0])
			if err != nil {
				return err
			}
			var speed *int
			if len(args) == 2 {
				v, err := parseSpeed(args[1])
				if err != nil {
					return err
				}
				speed = &v
			}
			return statusAction(opts, func(cmd *cobra.Command, c *client) (api.StatusResponse, error) {
				ctx, cancel := opts.requestContext(cmd)
				defer cancel()
				return c.Drive(ctx, string(dir), speed)
			})(cmd, args)
		},
	}
}

func maneuverCmd(opts *rootOptions) *cobra.Command {
	kinds := []string{string(control.Rotate90), string(control.Advance1m)}
	return &cobra.Command{
		Use:       "maneuver <" + strings.Join(kinds, "|") + ">",
		Short:     "Start a scripted maneuver",
		Args:      cobra.ExactArgs(1),
		ValidArgs: kinds,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := control.ParseManeuver(args[0])
			if err != nil {
				return err
			}
			return statusAction(opts, func(cmd *cobra.Command, c *client) (api.StatusResponse, error) {
				ctx, cancel := opts.requestContext(cmd)
				defer cancel()
				return c.Maneuver(ctx, string(kind))
			})(cmd, args)
		},
	}
}

func renderEvents(events []robot.Event) string {
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{e.Time.Local().Format(time.DateTime), string(e.Kind), e.Detail})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("TIME", "KIND", "DETAIL").
		Rows(rows...).
		String()
}

func eventsCmd(opts *rootOptions) *cobra.Command {
	var limit int
	var persisted bool

	c := &cobra.Command{
		Use:   "events",
		Short: "List recent events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 1 {
				return fmt.Errorf("invalid limit %d", limit)
			}
			cl, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			events, err := cl.Events(ctx, limit, persisted)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), events)
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no events")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderEvents(events))
			return nil
		},
	}
	c.Flags().IntVarP(&limit, "limit", "n", 20, "Number of events to show")
	c.Flags().BoolVar(&persisted, "persisted", false, "Read the database log instead of the in-memory one")
	return c
}
