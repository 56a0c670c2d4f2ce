// cmd/kvcli is the CLI client for redislite's HTTP admin surface.
//
// Usage:
//
//	kvcli set mykey "hello world" --server http://localhost:7379
//	kvcli get mykey                --server http://localhost:7379
//	kvcli delete mykey             --server http://localhost:7379
//	kvcli keys "user:*"            --server http://localhost:7379
//	kvcli info                     --server http://localhost:7379
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"redislite/internal/client"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "kvcli",
		Short: "CLI client for a redislite node's HTTP admin surface",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:7379", "node HTTP admin address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"request timeout")

	root.AddCommand(setCmd(), getCmd(), deleteCmd(), existsCmd(), ttlCmd(),
		keysCmd(), infoCmd(), flushdbCmd(), saveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setCmd() *cobra.Command {
	var ttlSeconds int64
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a key-value pair, optionally with a TTL",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			resp, err := c.Set(context.Background(), args[0], args[1], ttlSeconds)
			if err != nil {
				return err
			}
			return prettyPrint(resp)
		},
	}
	cmd.Flags().Int64Var(&ttlSeconds, "ttl", 0, "expiry in seconds (0 = no expiry)")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Retrieve a value by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			resp, err := c.Get(context.Background(), args[0])
			if err == client.ErrNotFound {
				fmt.Printf("key %q not found\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			return prettyPrint(resp)
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			if err := c.Delete(context.Background(), args[0]); err == client.ErrNotFound {
				fmt.Printf("key %q not found\n", args[0])
				return nil
			} else if err != nil {
				return err
			}
			fmt.Printf("deleted %q\n", args[0])
			return nil
		},
	}
}

func existsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exists <key>",
		Short: "Check whether a key exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			exists, err := c.Exists(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(exists)
			return nil
		},
	}
}

func ttlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ttl <key>",
		Short: "Show the remaining TTL in seconds (-1 = no expiry, -2 = missing)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			ttl, err := c.TTL(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(ttl)
			return nil
		},
	}
}

func keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys [pattern]",
		Short: "List keys matching a glob pattern (default *)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := "*"
			if len(args) == 1 {
				pattern = args[0]
			}
			c := client.New(serverAddr, timeout)
			keys, err := c.Keys(context.Background(), pattern)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Println(k)
			}
			return nil
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show server info (memory, keyspace, replication)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			info, err := c.Info(context.Background())
			if err != nil {
				return err
			}
			return prettyPrint(info)
		},
	}
}

func flushdbCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flushdb",
		Short: "Remove all keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			if err := c.FlushDB(context.Background()); err != nil {
				return err
			}
			fmt.Println("flushed")
			return nil
		},
	}
}

func saveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Trigger an immediate snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			if err := c.Save(context.Background()); err != nil {
				return err
			}
			fmt.Println("saved")
			return nil
		},
	}
}

func prettyPrint(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return nil
	}
	fmt.Println(string(data))
	return nil
}
