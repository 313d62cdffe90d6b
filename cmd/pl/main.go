package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"plantline/internal/app"
	"plantline/internal/db"
	"plantline/internal/engine"
	"plantline/internal/policy"
	"plantline/internal/repo"
	"plantline/internal/server"
	"plantline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Plantline CLI",
	Long: `Plantline tracks plant incidents and maintenance tasks through their workflow.
Concepts:
- Workspace: the .plantline directory holding the database and photo blobs.
- Plants: the facilities that incidents and maintenance tasks belong to.
- Incidents: reported problems; pending -> in_progress -> resolved.
- Maintenance: scheduled work (preventivo/correctivo); pending -> in_progress -> completed.
- Completion: one atomic step that records a summary (20+ chars), final materials,
  and best-effort after photos; resolved/completed entities are immutable.
- Reports: available only for terminal entities, rendered by an external service.
- Event log: diary of changes, view with 'pl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PLANTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "superadmin", "actor role (superadmin, admin, technician, client)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(plantCmd())
	rootCmd.AddCommand(incidentCmd())
	rootCmd.AddCommand(maintenanceCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(editCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(checklistCmd())
	rootCmd.AddCommand(materialCmd())
	rootCmd.AddCommand(photoCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func cliActor() engine.Actor {
	return engine.Actor{
		ID:   viper.GetString("actor-id"),
		Role: policy.Role(viper.GetString("role")),
	}
}

func plantCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "plant", Short: "Manage plants"}
	cmd.AddCommand(plantAddCmd())
	cmd.AddCommand(plantListCmd())
	cmd.AddCommand(plantStatusCmd())
	return cmd
}

func plantStatusCmd() *cobra.Command {
	var plantID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show plant status",
		Long:  "See the scoreboard for a plant: open incidents and maintenance tasks by state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetPlant(ctx, plantID)
				if err != nil {
					return err
				}
				incidents, err := e.Repo.CountEntitiesByState(ctx, p.ID, workflow.KindIncident)
				if err != nil {
					return err
				}
				maintenance, err := e.Repo.CountEntitiesByState(ctx, p.ID, workflow.KindMaintenance)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"plant_id":    p.ID,
						"name":        p.Name,
						"incidents":   incidents,
						"maintenance": maintenance,
					})
				}
				fmt.Printf("Plant: %s (%s)\n", p.Name, p.ID)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Kind", "State", "Count"})
				for _, st := range []string{workflow.StatePending, workflow.StateInProgress, workflow.StateResolved} {
					tw.AppendRow(table.Row{workflow.KindIncident, st, incidents[st]})
				}
				for _, st := range []string{workflow.StatePending, workflow.StateInProgress, workflow.StateCompleted} {
					tw.AppendRow(table.Row{workflow.KindMaintenance, st, maintenance[st]})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&plantID, "plant", "", "plant id")
	_ = cmd.MarkFlagRequired("plant")
	return cmd
}

func plantAddCmd() *cobra.Command {
	var name, location string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a plant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreatePlant(ctx, name, location)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "plant name")
	cmd.Flags().StringVar(&location, "location", "", "plant location")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func plantListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plants, err := e.ListPlants(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plants)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Location", "Created"})
				for _, p := range plants {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Location, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func incidentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "incident", Short: "Manage incidents"}
	cmd.AddCommand(incidentReportCmd())
	return cmd
}

func incidentReportCmd() *cobra.Command {
	var plantID, title, description, assignedTo string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report an incident",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ent, err := e.CreateEntity(ctx, engine.CreateOptions{
					Kind:        workflow.KindIncident,
					PlantID:     plantID,
					Title:       title,
					Description: description,
					AssignedTo:  assignedTo,
					Actor:       cliActor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ent)
			})
		},
	}
	cmd.Flags().StringVar(&plantID, "plant", "", "plant id")
	cmd.Flags().StringVar(&title, "title", "", "incident title")
	cmd.Flags().StringVar(&description, "description", "", "what happened")
	cmd.Flags().StringVar(&assignedTo, "assigned-to", "", "assignee user id")
	_ = cmd.MarkFlagRequired("plant")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func maintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "maintenance", Short: "Manage maintenance tasks"}
	cmd.AddCommand(maintenanceScheduleCmd())
	return cmd
}

func maintenanceScheduleCmd() *cobra.Command {
	var plantID, description, mtype, date, assignedTo string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a maintenance task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ent, err := e.CreateEntity(ctx, engine.CreateOptions{
					Kind:            workflow.KindMaintenance,
					PlantID:         plantID,
					Description:     description,
					MaintenanceType: mtype,
					ScheduledDate:   date,
					AssignedTo:      assignedTo,
					Actor:           cliActor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ent)
			})
		},
	}
	cmd.Flags().StringVar(&plantID, "plant", "", "plant id")
	cmd.Flags().StringVar(&description, "description", "", "work description")
	cmd.Flags().StringVar(&mtype, "type", "preventivo", "maintenance type (preventivo, correctivo)")
	cmd.Flags().StringVar(&date, "date", "", "scheduled date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&assignedTo, "assigned-to", "", "assignee user id")
	_ = cmd.MarkFlagRequired("plant")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func listCmd() *cobra.Command {
	var f repo.EntityFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List incidents and maintenance tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEntities(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "State", "Plant", "Title", "Assignee"})
				for _, ent := range items {
					assignee := ""
					if ent.AssignedTo != nil {
						assignee = *ent.AssignedTo
					}
					title := ent.Title
					if title == "" {
						title = truncate(ent.Description, 40)
					}
					tw.AppendRow(table.Row{ent.ID, ent.Kind, ent.State, ent.PlantID, title, assignee})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.PlantID, "plant", "", "plant filter")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter (incident, maintenance)")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.AssignedTo, "assigned-to", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func showCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an entity with its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.BuildSnapshot(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
	return cmd
}

func editCmd() *cobra.Command {
	var title, description, date, mtype, assignedTo string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit descriptive fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.EditOptions{ID: args[0], Actor: cliActor()}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("date") {
				opts.ScheduledDate = &date
			}
			if cmd.Flags().Changed("type") {
				opts.MaintenanceType = &mtype
			}
			if cmd.Flags().Changed("assigned-to") {
				opts.AssignedTo = &assignedTo
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ent, err := e.EditFields(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ent)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&date, "date", "", "scheduled date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&mtype, "type", "", "maintenance type (preventivo, correctivo)")
	cmd.Flags().StringVar(&assignedTo, "assigned-to", "", "assignee user id")
	return cmd
}

func startCmd() *cobra.Command {
	var photoPaths []string
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Begin work on an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uploads, err := readPhotoFiles(photoPaths)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Start(ctx, engine.StartOptions{
					ID:           args[0],
					BeforePhotos: uploads,
					Actor:        cliActor(),
				})
				if err != nil {
					return err
				}
				printWarnings(res.PhotoWarnings)
				return printJSONOrTable(res.Entity)
			})
		},
	}
	cmd.Flags().StringSliceVar(&photoPaths, "photo", nil, "before photo file (repeatable)")
	return cmd
}

func completeCmd() *cobra.Command {
	var summary string
	var materialSpecs, photoPaths []string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete an entity with summary, materials, and after photos",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			materials, err := parseMaterials(materialSpecs)
			if err != nil {
				return err
			}
			uploads, err := readPhotoFiles(photoPaths)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Complete(ctx, engine.CompleteOptions{
					ID:          args[0],
					Summary:     summary,
					Materials:   materials,
					AfterPhotos: uploads,
					Actor:       cliActor(),
				})
				if err != nil {
					return err
				}
				printWarnings(res.PhotoWarnings)
				return printJSONOrTable(res.Entity)
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "completion summary (20+ characters)")
	cmd.Flags().StringSliceVar(&materialSpecs, "material", nil, "material as name:qty:unit:unit_cost (repeatable)")
	cmd.Flags().StringSliceVar(&photoPaths, "photo", nil, "after photo file (repeatable)")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}

func deleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an entity and its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteEntity(ctx, args[0], cliActor())
			})
		},
	}
	return cmd
}

func checklistCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "checklist", Short: "Manage maintenance checklists"}

	var label string
	add := &cobra.Command{
		Use:   "add <entity-id>",
		Short: "Add checklist item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.AddChecklistItem(ctx, args[0], label, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	add.Flags().StringVar(&label, "label", "", "item label")
	_ = add.MarkFlagRequired("label")

	check := &cobra.Command{
		Use:   "check <item-id>",
		Short: "Mark item completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.ToggleChecklistItem(ctx, args[0], true, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}

	uncheck := &cobra.Command{
		Use:   "uncheck <item-id>",
		Short: "Mark item not completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.ToggleChecklistItem(ctx, args[0], false, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}

	remove := &cobra.Command{
		Use:   "remove <item-id>",
		Short: "Remove checklist item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveChecklistItem(ctx, args[0], cliActor())
			})
		},
	}

	list := &cobra.Command{
		Use:   "list <entity-id>",
		Short: "List checklist with progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListChecklist(ctx, args[0])
				if err != nil {
					return err
				}
				progress, err := e.ChecklistProgress(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "progress": progress})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Label", "Done", "Completed At"})
				for _, it := range items {
					done := ""
					if it.Completed {
						done = "x"
					}
					completedAt := ""
					if it.CompletedAt != nil {
						completedAt = *it.CompletedAt
					}
					tw.AppendRow(table.Row{it.ID, it.Label, done, completedAt})
				}
				tw.Render()
				fmt.Printf("%d/%d completed\n", progress.Completed, progress.Total)
				return nil
			})
		},
	}

	cmd.AddCommand(add, check, uncheck, remove, list)
	return cmd
}

func materialCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "material", Short: "Manage materials"}

	var name, unit string
	var quantity, unitCost float64
	add := &cobra.Command{
		Use:   "add <entity-id>",
		Short: "Add material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AddMaterial(ctx, args[0], engine.MaterialInput{
					Name:     name,
					Quantity: quantity,
					Unit:     unit,
					UnitCost: unitCost,
				}, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "material name")
	add.Flags().Float64Var(&quantity, "quantity", 0, "quantity (> 0)")
	add.Flags().StringVar(&unit, "unit", "", "unit (unidad, metro, litro, kg, caja)")
	add.Flags().Float64Var(&unitCost, "unit-cost", 0, "unit cost")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("quantity")
	_ = add.MarkFlagRequired("unit")

	var uName, uUnit string
	var uQuantity, uUnitCost float64
	update := &cobra.Command{
		Use:   "update <material-id>",
		Short: "Update material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.UpdateMaterial(ctx, args[0], engine.MaterialInput{
					Name:     uName,
					Quantity: uQuantity,
					Unit:     uUnit,
					UnitCost: uUnitCost,
				}, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	update.Flags().StringVar(&uName, "name", "", "material name")
	update.Flags().Float64Var(&uQuantity, "quantity", 0, "quantity (> 0)")
	update.Flags().StringVar(&uUnit, "unit", "", "unit (unidad, metro, litro, kg, caja)")
	update.Flags().Float64Var(&uUnitCost, "unit-cost", 0, "unit cost")

	remove := &cobra.Command{
		Use:   "remove <material-id>",
		Short: "Remove material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveMaterial(ctx, args[0], cliActor())
			})
		},
	}

	list := &cobra.Command{
		Use:   "list <entity-id>",
		Short: "List materials with total",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListMaterials(ctx, args[0])
				if err != nil {
					return err
				}
				total, err := e.MaterialsTotal(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "total_cents": total})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Quantity", "Unit", "Unit Cost", "Line Total"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Name, m.Quantity, m.Unit, m.UnitCost, formatCents(m.LineTotalCents())})
				}
				tw.Render()
				fmt.Printf("total: %s\n", formatCents(total))
				return nil
			})
		},
	}

	cmd.AddCommand(add, update, remove, list)
	return cmd
}

func photoCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "photo", Short: "Manage photos"}

	var phase string
	attach := &cobra.Command{
		Use:   "attach <entity-id> <file>",
		Short: "Attach a photo",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.AttachPhoto(ctx, args[0], phase, engine.PhotoUpload{
					Filename: filepath.Base(args[1]),
					Data:     data,
				}, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	attach.Flags().StringVar(&phase, "phase", "before", "photo phase (before, after)")

	remove := &cobra.Command{
		Use:   "remove <photo-id>",
		Short: "Remove a photo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemovePhoto(ctx, args[0], cliActor())
			})
		},
	}

	list := &cobra.Command{
		Use:   "list <entity-id>",
		Short: "List photos",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListPhotos(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Phase", "Filename", "Captured"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Phase, p.OriginalFilename, p.CapturedAt})
				}
				tw.Render()
				return nil
			})
		},
	}

	cmd.AddCommand(attach, remove, list)
	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <entity-id>",
		Short: "Request the report for a terminal entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.RequestReport(ctx, args[0], cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var userID, role, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key (secret printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !policy.KnownRole(policy.Role(role)) {
				return fmt.Errorf("--role must be one of superadmin, admin, technician, client")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := server.IssueAPIKey(ctx, e, userID, role, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"key": key, "secret": secret})
			})
		},
	}
	create.Flags().StringVar(&userID, "user", "", "user id the key acts as")
	create.Flags().StringVar(&role, "role", "", "role for the key")
	create.Flags().StringVar(&name, "name", "", "key label")
	_ = create.MarkFlagRequired("user")
	_ = create.MarkFlagRequired("role")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}

func tokenCmd() *cobra.Command {
	var sub, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("PLANTLINE_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("PLANTLINE_JWT_SECRET is required")
			}
			if !policy.KnownRole(policy.Role(role)) {
				return fmt.Errorf("--role must be one of superadmin, admin, technician, client")
			}
			now := time.Now()
			claims := jwt.MapClaims{
				"sub":  sub,
				"role": role,
				"iat":  now.Unix(),
				"exp":  now.Add(ttl).Unix(),
			}
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "local-user", "subject user id")
	cmd.Flags().StringVar(&role, "role", "technician", "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, plantID, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.LatestEvents(ctx, n, 0, plantID, evtType, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor", "Payload"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.EntityID, ev.ActorID, truncate(ev.Payload, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&plantID, "plant", "", "plant filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			actx, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer actx.Close()
			if addr == "" {
				addr = actx.Config.Server.Addr
			}
			if basePath == "" {
				basePath = actx.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:        actx.Config.Auth.JWTSecret,
				AllowActorHeader: actx.Config.Auth.AllowActorHeader,
			}
			if env := os.Getenv("PLANTLINE_JWT_SECRET"); env != "" {
				authCfg.JWTSecret = env
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader {
				return fmt.Errorf("PLANTLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: actx.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Plantline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	actx, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer actx.Close()
	return fn(ctx, actx.Engine)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printWarnings(warnings []string) {
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
}

func readPhotoFiles(paths []string) ([]engine.PhotoUpload, error) {
	var uploads []engine.PhotoUpload
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, engine.PhotoUpload{Filename: filepath.Base(p), Data: data})
	}
	return uploads, nil
}

// parseMaterials parses name:qty:unit:unit_cost specs.
func parseMaterials(specs []string) ([]engine.MaterialInput, error) {
	var out []engine.MaterialInput
	for _, s := range specs {
		parts := strings.Split(s, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("material %q: want name:qty:unit:unit_cost", s)
		}
		qty, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("material %q: bad quantity", s)
		}
		cost, err := strconv.ParseFloat(parts[3], 64)
		if err != nil {
			return nil, fmt.Errorf("material %q: bad unit cost", s)
		}
		out = append(out, engine.MaterialInput{Name: parts[0], Quantity: qty, Unit: parts[2], UnitCost: cost})
	}
	return out, nil
}

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "..."
}
