package main

import (
	"bufio"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dataflux-func/dataflux-func/internal/metastore"
	"github.com/dataflux-func/dataflux-func/pkg/config"
	"github.com/dataflux-func/dataflux-func/pkg/database"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

const adminUserID = "u-admin"

var errCanceled = errors.New("canceled")

// confirm asks for an explicit yes unless -f was given.
func confirm(force bool) error {
	if force {
		return nil
	}

	fmt.Print("Are you sure you want to continue? [yes/NO]: ")
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	if strings.TrimSpace(answer) != "yes" {
		return errCanceled
	}
	return nil
}

func openDB(ctx context.Context, cfg *config.Config) (*database.Postgres, error) {
	return database.NewPostgres(ctx, cfg.DBURL)
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var force bool

	root := &cobra.Command{
		Use:           "admin-tool",
		Short:         "DataFlux Func administration tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&force, "force", "f", false, "skip confirmation")

	var adminUsername, adminPassword string
	resetAdmin := &cobra.Command{
		Use:   "reset_admin",
		Short: "Reset the admin account username and password",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := confirm(force); err != nil {
				return err
			}

			username := adminUsername
			if username == "" {
				username = "admin"
			}
			password := adminPassword
			if password == "" {
				fmt.Print("Enter new password: ")
				reader := bufio.NewReader(os.Stdin)
				line, _ := reader.ReadString('\n')
				password = strings.TrimSpace(line)
			}
			if password == "" {
				return fmt.Errorf("username or password not inputed")
			}

			sum := sha512.Sum512([]byte(fmt.Sprintf("~%s~%s~%s~", adminUserID, password, cfg.Secret)))
			passwordHash := hex.EncodeToString(sum[:])

			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			store := metastore.NewStore(db, slog.Default())
			if err := store.ResetAdminUser(cmd.Context(), username, passwordHash); err != nil {
				return err
			}

			fmt.Println("Admin account has been reset")
			return nil
		},
	}
	resetAdmin.Flags().StringVar(&adminUsername, "admin-username", "", "admin username")
	resetAdmin.Flags().StringVar(&adminPassword, "admin-password", "", "admin password")

	resetUpgradeDBSeq := &cobra.Command{
		Use:   "reset_upgrade_db_seq <seq>",
		Short: "Overwrite the database upgrade sequence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid seq: %s", args[0])
			}
			if err := confirm(force); err != nil {
				return err
			}

			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			store := metastore.NewStore(db, slog.Default())
			if err := store.ResetUpgradeDBSeq(cmd.Context(), seq); err != nil {
				return err
			}

			fmt.Printf("Upgrade DB seq has been reset to %d\n", seq)
			return nil
		},
	}

	clearRedis := &cobra.Command{
		Use:   "clear_redis",
		Short: "Flush every key of this app from the shared store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := confirm(force); err != nil {
				return err
			}

			redis, err := database.NewRedis(cmd.Context(), cfg.RedisURL, false)
			if err != nil {
				return err
			}
			defer func() { _ = redis.Close() }()

			deleted, err := redis.DeletePattern(cmd.Context(), toolkit.AppName()+"-*")
			if err != nil {
				return err
			}

			fmt.Printf("Cleared %d keys\n", deleted)
			return nil
		},
	}

	runSQL := &cobra.Command{
		Use:   "run_sql <sql>",
		Short: "Run a SQL statement against the metadata store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rawSQL := strings.TrimSpace(args[0])
			if rawSQL == "" {
				return fmt.Errorf("no SQL given")
			}
			if err := confirm(force); err != nil {
				return err
			}

			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			rows, err := db.Pool.Query(cmd.Context(), rawSQL)
			if err != nil {
				return err
			}
			defer rows.Close()

			fields := rows.FieldDescriptions()
			for rows.Next() {
				values, err := rows.Values()
				if err != nil {
					return err
				}
				row := map[string]any{}
				for i, f := range fields {
					row[f.Name] = values[i]
				}
				fmt.Println(toolkit.JSONDumps(row))
			}
			return rows.Err()
		},
	}

	root.AddCommand(resetAdmin, resetUpgradeDBSeq, clearRedis, runSQL)

	if err := root.Execute(); err != nil {
		if errors.Is(err, errCanceled) {
			fmt.Println("Canceled")
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
