package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pushlab/pushlab/internal/api/models"
	"github.com/pushlab/pushlab/internal/app"
	"github.com/pushlab/pushlab/internal/gateway"
	"github.com/pushlab/pushlab/internal/session"
)

type cli struct {
	app *app.App
	in  *bufio.Reader
	out io.Writer
}

type command struct {
	name    string
	args    string
	summary string
	run     func(ctx context.Context, c *cli, args []string) error
}

// usageError means the command was called with the wrong arguments.
type usageError struct{}

func (*usageError) Error() string { return "invalid arguments" }

var errUsage = &usageError{}

var commands = []command{
	{"login", "[-username name] [-password pw]", "sign in", cmdLogin},
	{"register", "[-username name] [-email addr] [-password pw]", "create an account and sign in", cmdRegister},
	{"logout", "", "sign out", cmdLogout},
	{"status", "", "show session and device state", cmdStatus},
	{"devices", "list | get <id> | rename <id> <name> | delete <id>", "manage registered devices", cmdDevices},
	{"notifications", "[-limit n] [-offset n]", "list notification history", cmdNotifications},
	{"notification", "<id>", "show a notification and its deliveries", cmdNotification},
	{"tags", "list | add <tag> | remove <tag>", "manage this device's tags", cmdTags},
	{"push-token", "<token>", "deliver a push token as the platform would", cmdPushToken},
	{"apikey", "", "generate a new API key", cmdAPIKey},
	{"health", "", "check the backend", cmdHealth},
}

func lookup(name string) (command, bool) {
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd, true
		}
	}
	return command{}, false
}

// explain turns gateway errors into something a person can act on.
func explain(err error) string {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized) && !errors.Is(err, session.ErrAuthenticationFailed):
		return "not signed in or session expired, run `pushlab login`"
	case gateway.StatusCode(err) == http.StatusForbidden:
		return "access denied, the resource belongs to another account: " + err.Error()
	case errors.Is(err, gateway.ErrNetwork):
		return "cannot reach the server: " + err.Error()
	default:
		return err.Error()
	}
}

func (c *cli) prompt(label string) (string, error) {
	fmt.Fprintf(c.out, "%s: ", label)
	line, err := c.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (c *cli) table() *tabwriter.Writer {
	return tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
}

func parseFlags(name string, args []string, define func(fs *flag.FlagSet)) ([]string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	define(fs)
	if err := fs.Parse(args); err != nil {
		return nil, errUsage
	}
	return fs.Args(), nil
}

func cmdLogin(ctx context.Context, c *cli, args []string) error {
	var username, password string
	if _, err := parseFlags("login", args, func(fs *flag.FlagSet) {
		fs.StringVar(&username, "username", "", "")
		fs.StringVar(&password, "password", "", "")
	}); err != nil {
		return err
	}

	var err error
	if username == "" {
		if username, err = c.prompt("Username"); err != nil {
			return err
		}
	}
	if password == "" {
		if password, err = c.prompt("Password"); err != nil {
			return err
		}
	}

	user, err := c.app.Session.Login(ctx, username, password)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Signed in as %s\n", user.Username)
	return nil
}

func cmdRegister(ctx context.Context, c *cli, args []string) error {
	var username, email, password string
	if _, err := parseFlags("register", args, func(fs *flag.FlagSet) {
		fs.StringVar(&username, "username", "", "")
		fs.StringVar(&email, "email", "", "")
		fs.StringVar(&password, "password", "", "")
	}); err != nil {
		return err
	}

	var err error
	for _, field := range []struct {
		label string
		value *string
	}{{"Username", &username}, {"Email", &email}, {"Password", &password}} {
		if *field.value != "" {
			continue
		}
		if *field.value, err = c.prompt(field.label); err != nil {
			return err
		}
	}

	user, err := c.app.Session.Register(ctx, username, email, password)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Account %s created and signed in\n", user.Username)
	return nil
}

func cmdLogout(ctx context.Context, c *cli, _ []string) error {
	c.app.Session.Logout(ctx)
	fmt.Fprintln(c.out, "Signed out")
	return nil
}

func cmdStatus(_ context.Context, c *cli, _ []string) error {
	snap := c.app.Session.Snapshot()
	identifier, err := c.app.Preferences.DeviceIdentifier()
	if err != nil {
		return err
	}
	_, hasPushToken := c.app.Preferences.PushToken()
	transport := c.app.Gateway.TransportHealth()

	w := c.table()
	fmt.Fprintf(w, "Server:\t%s\n", c.app.Gateway.BaseURL())
	fmt.Fprintf(w, "Session:\t%s\n", snap.State)
	if snap.User != nil {
		fmt.Fprintf(w, "User:\t%s <%s>\n", snap.User.Username, snap.User.Email)
	}
	fmt.Fprintf(w, "Device:\t%s (%s)\n", c.app.Config.DeviceName, identifier)
	fmt.Fprintf(w, "Push token:\t%s\n", yesNo(hasPushToken))
	fmt.Fprintf(w, "Tags:\t%s\n", joinTags(c.app.Registration.Tags()))
	fmt.Fprintf(w, "Circuit:\t%s\n", transport.CircuitState)
	return w.Flush()
}

func cmdDevices(ctx context.Context, c *cli, args []string) error {
	if len(args) == 0 {
		args = []string{"list"}
	}

	switch args[0] {
	case "list":
		devices, err := c.app.Gateway.ListDevices(ctx)
		if err != nil {
			return err
		}
		w := c.table()
		fmt.Fprintln(w, "ID\tNAME\tIDENTIFIER\tTAGS\tLAST SEEN")
		for _, d := range devices {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.DeviceName, d.DeviceIdentifier, joinTags(d.Tags), formatOptionalTime(d.LastSeenAt))
		}
		return w.Flush()

	case "get":
		if len(args) != 2 {
			return errUsage
		}
		d, err := c.app.Gateway.GetDevice(ctx, args[1])
		if err != nil {
			return err
		}
		w := c.table()
		fmt.Fprintf(w, "ID:\t%s\n", d.ID)
		fmt.Fprintf(w, "Name:\t%s\n", d.DeviceName)
		fmt.Fprintf(w, "Identifier:\t%s\n", d.DeviceIdentifier)
		fmt.Fprintf(w, "Tags:\t%s\n", joinTags(d.Tags))
		fmt.Fprintf(w, "Created:\t%s\n", d.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "Updated:\t%s\n", d.UpdatedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "Last seen:\t%s\n", formatOptionalTime(d.LastSeenAt))
		return w.Flush()

	case "rename":
		if len(args) != 3 {
			return errUsage
		}
		if err := c.app.Gateway.UpdateDevice(ctx, args[1], models.RenameDevice(args[2])); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Renamed %s to %q\n", args[1], args[2])
		return nil

	case "delete":
		if len(args) != 2 {
			return errUsage
		}
		if err := c.app.Gateway.DeleteDevice(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Deleted %s\n", args[1])
		return nil
	}
	return errUsage
}

func cmdNotifications(ctx context.Context, c *cli, args []string) error {
	page := models.Page{Limit: c.app.Config.PageSize}
	if _, err := parseFlags("notifications", args, func(fs *flag.FlagSet) {
		fs.IntVar(&page.Limit, "limit", page.Limit, "")
		fs.IntVar(&page.Offset, "offset", 0, "")
	}); err != nil {
		return err
	}

	notifications, err := c.app.Gateway.ListNotifications(ctx, page)
	if err != nil {
		return err
	}
	if len(notifications) == 0 {
		fmt.Fprintln(c.out, "No notifications")
		return nil
	}

	w := c.table()
	fmt.Fprintln(w, "ID\tSENT\tSTATUS\tTITLE")
	for _, n := range notifications {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.ID, n.CreatedAt.Format(time.RFC3339), n.Status.Label(), n.DisplayTitle())
	}
	return w.Flush()
}

func cmdNotification(ctx context.Context, c *cli, args []string) error {
	if len(args) != 1 {
		return errUsage
	}

	detail, err := c.app.Gateway.GetNotification(ctx, args[0])
	if err != nil {
		return err
	}
	n := detail.Notification

	w := c.table()
	fmt.Fprintf(w, "ID:\t%s\n", n.ID)
	fmt.Fprintf(w, "Title:\t%s\n", n.DisplayTitle())
	fmt.Fprintf(w, "Body:\t%s\n", n.Body)
	fmt.Fprintf(w, "Status:\t%s\n", n.Status.Label())
	fmt.Fprintf(w, "Priority:\t%s\n", n.Priority)
	if len(n.Tags) > 0 {
		fmt.Fprintf(w, "Tags:\t%s\n", joinTags(n.Tags))
	}
	fmt.Fprintf(w, "Sent:\t%s\n", n.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Deliveries:\t%d\n", len(detail.Deliveries))
	for _, d := range detail.Deliveries {
		fmt.Fprintf(w, "  %s\t%s (attempts %d)\n", d.DeviceTokenID, d.DeliveryStatus, d.AttemptCount)
	}
	return w.Flush()
}

func cmdTags(ctx context.Context, c *cli, args []string) error {
	if len(args) == 0 {
		args = []string{"list"}
	}

	switch args[0] {
	case "list":
		for _, tag := range c.app.Registration.Tags() {
			fmt.Fprintln(c.out, tag)
		}
		return nil
	case "add":
		if len(args) != 2 {
			return errUsage
		}
		return c.app.Registration.AddTag(ctx, args[1])
	case "remove":
		if len(args) != 2 {
			return errUsage
		}
		return c.app.Registration.RemoveTag(ctx, args[1])
	}
	return errUsage
}

func cmdPushToken(ctx context.Context, c *cli, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	return c.app.SubmitPushToken(ctx, args[0])
}

func cmdAPIKey(ctx context.Context, c *cli, _ []string) error {
	key, err := c.app.Gateway.RegenerateAPIKey(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, key)
	return nil
}

func cmdHealth(ctx context.Context, c *cli, _ []string) error {
	health, err := c.app.Gateway.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "status=%s database=%s\n", health.Status, health.Database)
	if !health.OK() {
		return fmt.Errorf("backend is %s", health.Status)
	}
	return nil
}

func joinTags(tags []string) string {
	if len(tags) == 0 {
		return "-"
	}
	return strings.Join(tags, ", ")
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
