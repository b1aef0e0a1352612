package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/scheduler"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <project-file>",
		Short: "Validate a YAML task graph and print its wave assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			var dag models.TaskDAG
			if err := yaml.Unmarshal(data, &dag); err != nil {
				return fmt.Errorf("parse project file: %w", err)
			}

			plan, err := scheduler.PlanDAG(dag, time.Now())
			if err != nil {
				return err
			}

			units := int64(0)
			byID := make(map[string]*models.Task, len(dag.Tasks))
			for _, t := range dag.Tasks {
				byID[t.ID] = t
				units += t.EstimatedUnits
			}

			fmt.Printf("Project %s: %d tasks in %d waves, %d estimated units\n\n",
				plan.ProjectID, len(dag.Tasks), len(plan.Waves), units)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WAVE\tTASK\tTYPE\tPRIORITY\tUNITS\tDEPENDS ON")
			for _, wave := range plan.Waves {
				for _, id := range wave.TaskIDs {
					t := byID[id]
					deps := "-"
					if len(t.DependsOn) > 0 {
						deps = strings.Join(t.DependsOn, ",")
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\n",
						wave.Index, t.ID, t.Type, t.Priority, t.EstimatedUnits, deps)
				}
			}
			return w.Flush()
		},
	}
	return cmd
}
