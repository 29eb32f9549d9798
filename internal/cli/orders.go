package cli

import (
	"encoding/json"
	"fmt"

	"github.com/harun/shopassist/pkg/orders"
	"github.com/spf13/cobra"
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Manage the order database",
}

var ordersImportCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Import orders from a JSON array into the SQLite database",
	Long: `Import orders from a JSON array into the SQLite order database.
Orders with an existing id are replaced.`,
	Args: cobra.ExactArgs(1),
	RunE: runOrdersImport,
}

var ordersLookupCmd = &cobra.Command{
	Use:   "lookup <order-id|phone|email|account>",
	Short: "Look orders up the way the assistant does",
	Args:  cobra.ExactArgs(1),
	RunE:  runOrdersLookup,
}

func init() {
	ordersCmd.AddCommand(ordersImportCmd, ordersLookupCmd)
	rootCmd.AddCommand(ordersCmd)
}

// openOrderDatabase opens the configured SQLite directory. The returned func
// closes it along with the log file.
func openOrderDatabase() (*orders.SQLiteDirectory, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Orders.Driver != "sqlite" {
		return nil, nil, fmt.Errorf("orders driver is %q, this command needs sqlite", cfg.Orders.Driver)
	}
	log, err := newLogger(cfg, false)
	if err != nil {
		return nil, nil, err
	}
	zl := log.Zerolog()
	dir, err := orders.OpenSQLite(cfg.Orders.Path, &zl)
	if err != nil {
		log.Close()
		return nil, nil, err
	}
	return dir, func() {
		dir.Close()
		log.Close()
	}, nil
}

func runOrdersImport(cmd *cobra.Command, args []string) error {
	list, err := orders.LoadJSON(args[0])
	if err != nil {
		return err
	}

	dir, closeDir, err := openOrderDatabase()
	if err != nil {
		return err
	}
	defer closeDir()

	n, err := dir.Import(cmd.Context(), list)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d orders\n", n)
	return nil
}

func runOrdersLookup(cmd *cobra.Command, args []string) error {
	dir, closeDir, err := openOrderDatabase()
	if err != nil {
		return err
	}
	defer closeDir()

	var found []orders.Order
	if order, err := dir.FindByOrderIDSuffix(cmd.Context(), args[0]); err != nil {
		return err
	} else if order != nil {
		found = append(found, *order)
	} else {
		found, err = dir.FindByIdentifier(cmd.Context(), args[0])
		if err != nil {
			return err
		}
	}

	if len(found) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No orders found")
		return nil
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(found)
}
