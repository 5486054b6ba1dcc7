package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wiretide/wiretide/pkg/distribution"
)

var Version = "dev"

type options struct {
	server   string
	username string
	password string
	token    string
	timeout  time.Duration
}

type Device struct {
	Hostname           string    `json:"hostname"`
	MAC                string    `json:"mac"`
	IP                 string    `json:"ip"`
	LastSeen           time.Time `json:"last_seen"`
	Status             string    `json:"status"`
	SSHEnabled         bool      `json:"ssh_enabled"`
	DeviceType         string    `json:"device_type"`
	Approved           bool      `json:"approved"`
	AgentUpdateAllowed bool      `json:"agent_update_allowed"`
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "wiretidectl",
		Short:         "Wiretide - fleet control for network appliances",
		Long:          "Approve, configure and inspect devices managed by a wiretide controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.server, "server", "s", envOr("WIRETIDE_SERVER", "http://localhost:8080"), "Controller URL")
	flags.StringVarP(&opts.username, "user", "u", envOr("WIRETIDE_USER", "admin"), "Operator username")
	flags.StringVar(&opts.password, "password", os.Getenv("WIRETIDE_PASSWORD"), "Operator password (or WIRETIDE_PASSWORD)")
	flags.StringVar(&opts.token, "token", os.Getenv("WIRETIDE_API_TOKEN"), "Static integration token for read-only listing")
	flags.DurationVar(&opts.timeout, "timeout", 15*time.Second, "Request timeout")

	rootCmd.AddCommand(
		statusCmd(opts),
		devicesCmd(opts),
		deviceCmd(opts),
		lifecycleCmd(opts, "approve", "Approve a waiting device", "/api/approve"),
		lifecycleCmd(opts, "deny", "Deny a device", "/api/deny"),
		lifecycleCmd(opts, "block", "Block a device", "/api/block"),
		lifecycleCmd(opts, "remove", "Remove a device; it must re-register", "/api/remove"),
		queueCmd(opts),
		clientsCmd(opts),
		tokenCmd(opts),
		usersCmd(opts),
		rolesCmd(opts),
		versionCmd(),
	)
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// session returns a client logged in as the configured operator.
func session(ctx context.Context, opts *options) (*client, error) {
	c, err := newClient(opts.server, opts.timeout)
	if err != nil {
		return nil, err
	}
	if opts.password == "" {
		return nil, errors.New("password required: pass --password or set WIRETIDE_PASSWORD")
	}
	if err := c.login(ctx, opts.username, opts.password); err != nil {
		return nil, fmt.Errorf("login as %s: %w", opts.username, err)
	}
	return c, nil
}

func fetchDevices(ctx context.Context, opts *options) ([]Device, error) {
	var devices []Device
	if opts.token != "" {
		c, err := newClient(opts.server, opts.timeout)
		if err != nil {
			return nil, err
		}
		c.token = opts.token
		return devices, c.get(ctx, "/integrations/devices", &devices)
	}
	c, err := session(ctx, opts)
	if err != nil {
		return nil, err
	}
	return devices, c.get(ctx, "/api/devices", &devices)
}

func statusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fleet status counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := fetchDevices(cmd.Context(), opts)
			if err != nil {
				return err
			}
			counts := map[string]int{}
			for _, d := range devices {
				counts[d.Status]++
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wiretide Fleet\n")
			fmt.Fprintf(out, "==============\n\n")
			fmt.Fprintf(out, "Total Devices:  %d\n", len(devices))
			for _, s := range []string{"approved", "waiting", "denied", "blocked", "removed"} {
				fmt.Fprintf(out, "%-15s %d\n", strings.ToUpper(s[:1])+s[1:]+":", counts[s])
			}
			return nil
		},
	}
}

func devicesCmd(opts *options) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:     "devices",
		Aliases: []string{"ls", "list"},
		Short:   "List all devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := fetchDevices(cmd.Context(), opts)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MAC\tHOSTNAME\tIP\tTYPE\tSTATUS\tLAST SEEN")
			for _, d := range devices {
				if status != "" && d.Status != status {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s ago\n",
					d.MAC, d.Hostname, d.IP, d.DeviceType, d.Status, time.Since(d.LastSeen).Round(time.Second))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only show devices in this state")
	return cmd
}

func deviceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "device [mac]",
		Short: "Show details, latest telemetry, compliance and queued package for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := session(cmd.Context(), opts)
			if err != nil {
				return err
			}
			var detail json.RawMessage
			if err := c.get(cmd.Context(), "/api/devices/"+url.PathEscape(args[0]), &detail); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), detail)
		},
	}
}

func lifecycleCmd(opts *options, name, short, path string) *cobra.Command {
	var deviceType string
	cmd := &cobra.Command{
		Use:   name + " [mac]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := session(cmd.Context(), opts)
			if err != nil {
				return err
			}
			values := url.Values{"mac": {args[0]}}
			if deviceType != "" {
				values.Set("device_type", deviceType)
			}
			var resp map[string]any
			if err := c.postForm(cmd.Context(), path, values, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", resp["mac"], resp["status"])
			return nil
		},
	}
	if name == "approve" {
		cmd.Flags().StringVarP(&deviceType, "type", "t", "", "Device type: router, switch, firewall or access_point")
		_ = cmd.MarkFlagRequired("type")
	}
	return cmd
}

func queueCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "queue-config [mac] [package.json]",
		Short: "Queue a configuration package for a device",
		Long:  "Reads a JSON object from a file (or - for stdin), computes its digest and queues it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc []byte
			var err error
			if args[1] == "-" {
				doc, err = io.ReadAll(cmd.InOrStdin())
			} else {
				doc, err = os.ReadFile(args[1])
			}
			if err != nil {
				return err
			}
			digest, err := distribution.Digest(doc)
			if err != nil {
				return err
			}

			c, err := session(cmd.Context(), opts)
			if err != nil {
				return err
			}
			var resp struct {
				Status string   `json:"status"`
				Keys   []string `json:"keys"`
				SHA256 string   `json:"sha256"`
			}
			err = c.postJSON(cmd.Context(), "/api/queue-config", map[string]any{
				"mac":     args[0],
				"package": json.RawMessage(doc),
				"sha256":  digest,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s keys=%s\n", resp.Status, resp.SHA256, strings.Join(resp.Keys, ","))
			return nil
		},
	}
}

func clientsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clients",
		Short: "List clients seen across the fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := session(cmd.Context(), opts)
			if err != nil {
				return err
			}
			var clients []struct {
				MAC         string  `json:"mac"`
				IP          *string `json:"ip"`
				Hostname    *string `json:"hostname"`
				Type        string  `json:"type"`
				ConnectedTo string  `json:"connected_to"`
			}
			if err := c.get(cmd.Context(), "/api/clients", &clients); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MAC\tIP\tHOSTNAME\tTYPE\tCONNECTED TO")
			for _, cl := range clients {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", cl.MAC, deref(cl.IP), deref(cl.Hostname), cl.Type, cl.ConnectedTo)
			}
			return w.Flush()
		},
	}
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func tokenCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Show or rotate the shared agent token",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := session(cmd.Context(), opts)
			if err != nil {
				return err
			}
			var tok map[string]any
			if err := c.get(cmd.Context(), "/api/settings/token", &tok); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tok)
		},
	}

	var hours int
	regen := &cobra.Command{
		Use:   "regenerate",
		Short: "Issue a new shared token immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := session(cmd.Context(), opts)
			if err != nil {
				return err
			}
			values := url.Values{"action": {"regenerate"}}
			if hours > 0 {
				values.Set("expiry_hours", strconv.Itoa(hours))
			}
			var tok map[string]any
			if err := c.postForm(cmd.Context(), "/settings/token", values, &tok); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tok)
		},
	}
	regen.Flags().IntVar(&hours, "hours", 0, "Token lifetime in hours (default: controller setting)")
	cmd.AddCommand(regen)
	return cmd
}

func usersCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "List operator accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := session(cmd.Context(), opts)
			if err != nil {
				return err
			}
			var users []struct {
				ID       uint   `json:"id"`
				Username string `json:"username"`
				Role     string `json:"role"`
			}
			if err := c.get(cmd.Context(), "/api/users", &users); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSERNAME\tROLE")
			for _, u := range users {
				fmt.Fprintf(w, "%d\t%s\t%s\n", u.ID, u.Username, u.Role)
			}
			return w.Flush()
		},
	}

	var role, password string
	add := &cobra.Command{
		Use:   "add [username]",
		Short: "Create an operator account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := session(cmd.Context(), opts)
			if err != nil {
				return err
			}
			values := url.Values{"username": {args[0]}, "password": {password}, "role": {role}}
			if err := c.postForm(cmd.Context(), "/api/users", values, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", args[0], role)
			return nil
		},
	}
	add.Flags().StringVar(&role, "role", "user", "Role name")
	add.Flags().StringVar(&password, "new-password", "", "Password for the new account")
	_ = add.MarkFlagRequired("new-password")

	del := &cobra.Command{
		Use:   "delete [username]",
		Short: "Delete an operator account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := session(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if err := c.postForm(cmd.Context(), "/api/users/delete", url.Values{"username": {args[0]}}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
	cmd.AddCommand(add, del)
	return cmd
}

func rolesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "List roles and their permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := session(cmd.Context(), opts)
			if err != nil {
				return err
			}
			var roles []struct {
				ID          uint     `json:"id"`
				Name        string   `json:"name"`
				Permissions []string `json:"permissions"`
			}
			if err := c.get(cmd.Context(), "/api/roles", &roles); err != nil {
				return err
			}
			sort.Slice(roles, func(i, j int) bool { return roles[i].ID < roles[j].ID })
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPERMISSIONS")
			for _, r := range roles {
				fmt.Fprintf(w, "%d\t%s\t%s\n", r.ID, r.Name, strings.Join(r.Permissions, ","))
			}
			return w.Flush()
		},
	}
	set := &cobra.Command{
		Use:   "set [role-id] [perm,perm,...]",
		Short: "Replace the permissions of a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := session(cmd.Context(), opts)
			if err != nil {
				return err
			}
			var role map[string]any
			path := "/api/roles/" + url.PathEscape(args[0]) + "/permissions"
			if err := c.postForm(cmd.Context(), path, url.Values{"permissions": {args[1]}}, &role); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), role)
		},
	}
	cmd.AddCommand(set)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wiretidectl version %s\n", Version)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
