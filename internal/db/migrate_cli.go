package db

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"
)

// MigrateCommand runs the 'migrate' subcommand. Output and the force
// confirmation prompt go through out and in.
type MigrateCommand struct {
	DBPath string
	Out    io.Writer
	In     io.Reader
	FS     fs.FS // nil uses the embedded migrations
}

// Run dispatches args[0] to the matching action.
func (c *MigrateCommand) Run(args []string) error {
	if len(args) < 1 {
		c.printHelp()
		return fmt.Errorf("missing migrate action")
	}
	action := args[0]
	if action == "help" {
		c.printHelp()
		return nil
	}

	migrations := c.FS
	if migrations == nil {
		var err error
		if migrations, err = getMigrationsFS(); err != nil {
			return err
		}
	}

	// Open without applying migrations so the CLI stays in charge.
	database, err := OpenDB(c.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	switch action {
	case "up":
		if err := database.MigrateUp(migrations); err != nil {
			return err
		}
		fmt.Fprintln(c.Out, "✓ All migrations applied successfully")
		return c.printVersion(database, migrations)

	case "down":
		if err := database.MigrateDown(migrations); err != nil {
			return err
		}
		fmt.Fprintln(c.Out, "✓ Migration rolled back successfully")
		return c.printVersion(database, migrations)

	case "status":
		return c.printStatus(database, migrations)

	case "version":
		if len(args) < 2 {
			return fmt.Errorf("usage: amr migrate version <version_number>")
		}
		v, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[1])
		}
		if err := database.MigrateTo(migrations, uint(v)); err != nil {
			return err
		}
		fmt.Fprintf(c.Out, "✓ Migrated to version %d successfully\n", v)
		return nil

	case "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: amr migrate force <version_number>")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[1])
		}
		fmt.Fprintf(c.Out, "⚠️  WARNING: Forcing migration version to %d\n", v)
		fmt.Fprintln(c.Out, "This should only be used to recover from a dirty migration state.")
		fmt.Fprint(c.Out, "Continue? [y/N]: ")
		if !c.confirm() {
			fmt.Fprintln(c.Out, "Aborted.")
			return nil
		}
		if err := database.MigrateForce(migrations, v); err != nil {
			return err
		}
		fmt.Fprintf(c.Out, "✓ Forced migration version to %d\n", v)
		return nil
	}

	c.printHelp()
	return fmt.Errorf("unknown migrate action: %s", action)
}

func (c *MigrateCommand) confirm() bool {
	if c.In == nil {
		return false
	}
	line, err := bufio.NewReader(c.In).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func (c *MigrateCommand) printVersion(database *DB, migrations fs.FS) error {
	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

func (c *MigrateCommand) printStatus(database *DB, migrations fs.FS) error {
	s, err := database.GetMigrationStatus(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.Out, "=== Migration Status ===")
	fmt.Fprintf(c.Out, "Current version: %d\n", s.CurrentVersion)
	fmt.Fprintf(c.Out, "Latest version: %d\n", s.LatestVersion)
	fmt.Fprintf(c.Out, "Pending migrations: %d\n", s.Pending)
	fmt.Fprintf(c.Out, "Dirty: %v\n", s.Dirty)
	if s.Dirty {
		fmt.Fprintln(c.Out, "\n⚠️  WARNING: Database is in a dirty state!")
		fmt.Fprintln(c.Out, "A migration failed mid-execution. Inspect the database, fix it, then run:")
		fmt.Fprintln(c.Out, "  amr migrate force <version>")
	}
	return nil
}

func (c *MigrateCommand) printHelp() {
	fmt.Fprint(c.Out, `Usage: amr migrate <action> [args]

Actions:
  up                 Apply all pending migrations
  down               Roll back the most recent migration
  status             Show current and latest schema versions
  version <n>        Migrate up or down to version n
  force <n>          Mark the schema as version n (recovery only)
  help               Show this help
`)
}
