package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/paularlott/cli"
	"go.uber.org/zap"

	"github.com/hitushen/snmpdash/internal/backend"
	"github.com/hitushen/snmpdash/internal/config"
	"github.com/hitushen/snmpdash/internal/dashboard"
	"github.com/hitushen/snmpdash/internal/discovery"
	"github.com/hitushen/snmpdash/internal/models"
)

func credentialFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "username",
			Usage:    "Backend account name",
			EnvVars:  []string{config.EnvPrefix + "_USERNAME"},
			Required: true,
		},
		&cli.StringFlag{
			Name:     "password",
			Usage:    "Backend account password",
			EnvVars:  []string{config.EnvPrefix + "_PASSWORD"},
			Required: true,
		},
	}
}

// signIn 创建后端客户端并登录。
func signIn(ctx context.Context, cmd *cli.Command, cfg *config.Config, logger *zap.Logger) (*backend.Client, *models.User, error) {
	client, err := backend.New(backend.Options{
		BaseURL:        cfg.BackendURL,
		CSRFCookieName: cfg.CSRFCookieName,
		Timeout:        cfg.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, nil, err
	}
	user, err := client.Login(ctx, cmd.GetString("username"), cmd.GetString("password"))
	if err != nil {
		return nil, nil, fmt.Errorf("login: %w", err)
	}
	return client, user, nil
}

func devicesCommand() *cli.Command {
	return &cli.Command{
		Name:        "devices",
		Usage:       "List visible devices",
		Description: "Log in and print the device list with saved filter preferences applied",
		Flags: append(credentialFlags(),
			&cli.StringFlag{
				Name:  "search",
				Usage: "Case-insensitive name filter",
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Ignore the saved filter",
			},
		),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			client, user, err := signIn(ctx, cmd, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = client.Logout(context.WithoutCancel(ctx)) }()

			devices, err := client.ListDevices(ctx, backend.ListOptions{})
			if err != nil {
				return err
			}
			pref, err := client.LoadPreferences(ctx)
			if err != nil {
				logger.Warn("load preferences", zap.Error(err))
				pref = &models.FilterPreference{}
			}
			applied := dashboard.ValidateIDs(dashboard.ParseIDs(pref.SelectedDeviceIDs), devices)
			active := pref.IsFilterActive && !cmd.GetBool("all")
			visible := dashboard.Visible(devices, applied, active, strings.TrimSpace(cmd.GetString("search")))

			fmt.Println(dashboard.Title(user.Role))
			fmt.Println(dashboard.ContextIndicator(active, len(devices), len(visible)))
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tNAME\tIP ADDRESS\tCPU\tUSED\tFREE\tTOTAL")
			for _, row := range dashboard.Rows(visible, applied) {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					row.Device.ID, row.Device.Status, row.Device.Name, row.Device.IPAddress,
					row.CPU, row.UsedMB, row.FreeMB, row.TotalMB)
			}
			return tw.Flush()
		},
	}
}

func discoverCommand() *cli.Command {
	return &cli.Command{
		Name:        "discover",
		Usage:       "Discover an SNMPv3 device",
		Description: "Run SNMPv3 discovery against a device and optionally register it",
		Flags: append(credentialFlags(),
			&cli.StringFlag{Name: "ip", Usage: "Target device IP address", Required: true},
			&cli.StringFlag{Name: "snmp-user", Usage: "SNMPv3 user name", Required: true},
			&cli.StringFlag{Name: "auth-password", Usage: "SNMPv3 auth password", EnvVars: []string{config.EnvPrefix + "_SNMP_AUTH"}, Required: true},
			&cli.StringFlag{Name: "priv-password", Usage: "SNMPv3 priv password", EnvVars: []string{config.EnvPrefix + "_SNMP_PRIV"}, Required: true},
			&cli.IntFlag{Name: "model-id", Usage: "Register the device with this model id"},
		),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			client, _, err := signIn(ctx, cmd, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = client.Logout(context.WithoutCancel(ctx)) }()

			ctl := discovery.NewController(client, discovery.Options{Logger: logger})
			defer ctl.Close()
			if err := ctl.LoadMetadata(ctx); err != nil {
				logger.Warn("load metadata", zap.Error(err))
			}

			err = ctl.Submit(ctx, models.DiscoveryCredentials{
				IPAddress:    cmd.GetString("ip"),
				Username:     cmd.GetString("snmp-user"),
				AuthPassword: cmd.GetString("auth-password"),
				PrivPassword: cmd.GetString("priv-password"),
			})
			snap := ctl.Snapshot()
			if err != nil {
				return errors.New(snap.Message.Text)
			}
			printDiscovered(snap)

			modelID := int64(cmd.GetInt("model-id"))
			if modelID == 0 {
				return nil
			}
			if err := checkModel(snap, modelID); err != nil {
				return err
			}
			ctl.SelectModel(modelID)
			if got := ctl.Snapshot().Selection.ModelID; got != modelID {
				return fmt.Errorf("model id %d could not be selected", modelID)
			}
			err = ctl.ConfirmRegistration(ctx)
			snap = ctl.Snapshot()
			fmt.Println(snap.Message.Text)
			if err != nil {
				return errors.New(snap.Message.Text)
			}
			return nil
		},
	}
}

// checkModel 确认型号存在于已加载的目录中。
func checkModel(snap discovery.Snapshot, id int64) error {
	if snap.Metadata == nil {
		return errors.New("metadata unavailable")
	}
	for _, m := range snap.Metadata.Models {
		if m.ID == id {
			return nil
		}
	}
	return fmt.Errorf("unknown model id %d", id)
}

func printDiscovered(snap discovery.Snapshot) {
	d := snap.Device
	fmt.Printf("%s (%s)\n", d.Hostname, d.IPAddress)
	fmt.Printf("Raw Model ID (OID): %s\n", d.ModelIDRaw)
	if snap.Selection.ModelID != 0 && snap.Metadata != nil {
		fmt.Printf("Suggested model: %s (id %d)\n", discovery.ModelDisplay(snap.Metadata.Models, snap.Selection.ModelID), snap.Selection.ModelID)
	}
	fmt.Println("Applicable Metrics:")
	for _, m := range discovery.Measurements(d) {
		line := fmt.Sprintf("  %s: %s", m.Label, m.Value)
		if m.Annotation != "" {
			line += " " + m.Annotation
		}
		fmt.Println(line)
	}
	total, active := discovery.InterfaceCounts(d.Interfaces)
	fmt.Printf("Enabled Interfaces (%d) Active (%d)\n", total, active)
	for _, tag := range discovery.InterfaceTags(d.Interfaces) {
		fmt.Printf("  %s\n", tag.Name)
	}
}
