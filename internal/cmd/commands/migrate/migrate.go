package migrate

import (
	"database/sql"
	"flag"
	"fmt"

	// lib/pq registers "postgres"; the golang-migrate sqlite driver
	// registers "sqlite" through modernc.org/sqlite.
	_ "github.com/lib/pq"

	"github.com/hashicorp-forge/embedsearch/internal/cmd/base"
	"github.com/hashicorp-forge/embedsearch/internal/config"
	schema "github.com/hashicorp-forge/embedsearch/internal/migrate"
)

type Command struct {
	*base.Command

	flagConfig string
	flagDriver string
	flagDSN    string
	flagDown   int
	flagStatus bool
}

func (c *Command) Synopsis() string {
	return "Apply or roll back database schema migrations"
}

func (c *Command) Help() string {
	return `Usage: embedsearch migrate [options]

  Apply pending schema migrations. The database comes from -config, or
  from -driver and -dsn when both are given.

  PostgreSQL:
    embedsearch migrate -driver=postgres -dsn="host=localhost user=postgres password=postgres dbname=embedsearch sslmode=disable"

  SQLite:
    embedsearch migrate -driver=sqlite -dsn=embedsearch.db` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("migrate", flag.ContinueOnError))

	f.ConfigFlag(&c.flagConfig)
	f.StringVar(&c.flagDriver, "driver", "", "Database driver: postgres or sqlite.")
	f.StringVar(&c.flagDSN, "dsn", "", "Connection string, or the file path for sqlite.")
	f.IntVar(&c.flagDown, "down", 0, "Roll back this many migrations instead of applying.")
	f.BoolVar(&c.flagStatus, "status", false, "Print the current version and exit.")

	return f
}

func (c *Command) Run(args []string) int {
	if err := c.Flags().Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	driver, dsn, err := c.target()
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	c.Log.Info("connecting to database", "driver", driver)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		c.UI.Error(fmt.Sprintf("failed to connect to database: %v", err))
		return 1
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		c.UI.Error(fmt.Sprintf("failed to ping database: %v", err))
		return 1
	}

	switch {
	case c.flagStatus:
	case c.flagDown > 0:
		if err := schema.Rollback(db, driver, c.flagDown); err != nil {
			c.UI.Error(err.Error())
			return 1
		}
	default:
		if err := schema.RunMigrations(db, driver); err != nil {
			c.UI.Error(err.Error())
			return 1
		}
	}

	version, dirty, err := schema.GetMigrationVersion(db, driver)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error reading migration version: %v", err))
		return 1
	}
	msg := fmt.Sprintf("Schema version %d", version)
	if dirty {
		msg += " (dirty)"
	}
	c.UI.Output(msg)
	return 0
}

// target resolves the driver and DSN from flags or the config file.
func (c *Command) target() (string, string, error) {
	if c.flagDriver != "" || c.flagDSN != "" {
		if c.flagDriver == "" || c.flagDSN == "" {
			return "", "", fmt.Errorf("-driver and -dsn must be set together")
		}
		return c.flagDriver, c.flagDSN, nil
	}

	cfg, err := config.NewConfig(c.flagConfig)
	if err != nil {
		return "", "", err
	}
	dbCfg := cfg.Database.ToDatabaseConfig()
	if dbCfg.Driver == "sqlite" {
		return "sqlite", dbCfg.Path, nil
	}
	return "postgres", dbCfg.DSN(), nil
}
