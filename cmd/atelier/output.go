package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/yaront1111/atelier/internal/cli"
	"github.com/yaront1111/atelier/internal/control"
	"github.com/yaront1111/atelier/internal/daemon"
	"github.com/yaront1111/atelier/internal/model"
	"github.com/yaront1111/atelier/internal/persist"
	"github.com/yaront1111/atelier/internal/state"
)

func runInit(name string) error {
	files := persist.New(filepath.Join(projectPath(), daemon.DataDirName))
	if err := files.Init(); err != nil {
		return err
	}
	store := state.New(files, nil)
	project, err := store.InitProject(name, projectPath())
	if err != nil {
		return err
	}
	fmt.Printf("%s project %s initialized (schema v%d)\n",
		cli.GreenText(cli.CheckMark), cli.Bolden(project.Name), project.SchemaVersion)
	return nil
}

func fetchSnapshot(c *control.Client) (*state.Snapshot, error) {
	reply, err := c.Call(control.MsgGetState, nil, 0)
	if err != nil {
		return nil, err
	}
	if err := control.ReplyError(reply); err != nil {
		return nil, err
	}
	var snap state.Snapshot
	if err := control.Decode(reply, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func runStatus() error {
	c, err := getClient()
	if err != nil {
		return err
	}
	defer c.Close()

	snap, err := fetchSnapshot(c)
	if err != nil {
		return err
	}

	if snap.Project != nil {
		fmt.Printf("%s  %s\n", cli.Bolden(snap.Project.Name), cli.Dimmed(snap.Project.Path))
		fmt.Printf("approval: %s", snap.Project.Settings.ApprovalMode)
		if snap.Project.Settings.ApprovalMode == model.ApprovalDelayed {
			fmt.Printf(" (%dms)", snap.Project.Settings.ApprovalDelayMs)
		}
		fmt.Println()
	} else {
		fmt.Println(cli.YellowText("project not initialized (run: atelier init <name>)"))
	}

	byStatus := make(map[model.Status]int)
	for _, t := range snap.Tasks {
		byStatus[t.Status]++
	}
	fmt.Println()
	for _, st := range model.AllStatuses() {
		if byStatus[st] == 0 {
			continue
		}
		fmt.Printf("  %s %-18s %d\n", cli.StatusGlyph(st), st, byStatus[st])
	}
	fmt.Printf("\n%d epics, %d tasks, %d workers\n", len(snap.Epics), len(snap.Tasks), len(snap.Workers))
	return nil
}

func runTasks(query string, status model.Status, epicID string) error {
	c, err := getClient()
	if err != nil {
		return err
	}
	defer c.Close()

	reply, err := c.Call(control.MsgSearchTasks, map[string]any{
		"query":  query,
		"status": status,
		"epicId": epicID,
	}, 0)
	if err != nil {
		return err
	}
	if err := control.ReplyError(reply); err != nil {
		return err
	}
	var result struct {
		Tasks []*model.Task `json:"tasks"`
	}
	if err := control.Decode(reply, &result); err != nil {
		return err
	}

	if len(result.Tasks) == 0 {
		fmt.Println(cli.Dimmed("no tasks"))
		return nil
	}
	for _, t := range result.Tasks {
		assignee := ""
		if t.AssignedWorkerID != "" {
			assignee = cli.Dimmed(" @" + t.AssignedWorkerID)
		}
		fmt.Printf("%s %-10s %s %s%s\n",
			cli.StatusGlyph(t.Status),
			cli.PriorityText(t.Priority),
			cli.GrayText(shortID(t.ID)),
			t.Title,
			assignee)
	}
	return nil
}

func runEpics() error {
	c, err := getClient()
	if err != nil {
		return err
	}
	defer c.Close()

	snap, err := fetchSnapshot(c)
	if err != nil {
		return err
	}
	if len(snap.Epics) == 0 {
		fmt.Println(cli.Dimmed("no epics"))
		return nil
	}

	taskCount := make(map[string]int)
	for _, t := range snap.Tasks {
		taskCount[t.EpicID]++
	}
	for _, e := range snap.Epics {
		fmt.Printf("%s %s %s %s\n",
			cli.CyanText(cli.Bullet),
			cli.GrayText(shortID(e.ID)),
			cli.Bolden(e.Title),
			cli.Dimmed(fmt.Sprintf("(%s, %d tasks)", e.Status, taskCount[e.ID])))
	}
	return nil
}

func runClaim(workerID, epicID string, replace bool) error {
	c, err := getClient()
	if err != nil {
		return err
	}
	defer c.Close()

	reply, err := c.Call(control.MsgClaimTask, map[string]any{
		"workerId": workerID,
		"epicId":   epicID,
		"replace":  replace,
	}, 0)
	if err != nil {
		return err
	}
	if err := control.ReplyError(reply); err != nil {
		return err
	}
	var result struct {
		Task    *model.Task `json:"task"`
		HasNext bool        `json:"hasNext"`
	}
	if err := control.Decode(reply, &result); err != nil {
		return err
	}

	if !result.HasNext {
		fmt.Println(cli.Dimmed("no claimable task"))
		return nil
	}
	fmt.Printf("%s claimed %s %s\n",
		cli.GreenText(cli.CheckMark), cli.GrayText(shortID(result.Task.ID)), cli.Bolden(result.Task.Title))
	return nil
}

func runWatch() error {
	c, err := getClient()
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Println(cli.Dimmed("watching for changes (ctrl-c to stop)..."))
	for ev := range c.Events() {
		if ev.Type == control.MsgServerShutdown {
			fmt.Println(cli.YellowText("daemon shut down"))
			return nil
		}
		fmt.Printf("%s %s\n", cli.Dimmed(time.Now().Format("15:04:05")), cli.CyanText(ev.Type))
	}
	return nil
}

func runActivity(taskID string, limit int) error {
	c, err := getClient()
	if err != nil {
		return err
	}
	defer c.Close()

	reply, err := c.Call(control.MsgGetActivity, map[string]any{
		"taskId": taskID,
		"limit":  limit,
	}, 0)
	if err != nil {
		return err
	}
	if err := control.ReplyError(reply); err != nil {
		return err
	}
	var result struct {
		Events []*model.ActivityEvent `json:"events"`
	}
	if err := control.Decode(reply, &result); err != nil {
		return err
	}

	if len(result.Events) == 0 {
		fmt.Println(cli.Dimmed("no activity"))
		return nil
	}
	for _, ev := range result.Events {
		ref := ""
		if ev.TaskID != "" {
			ref = cli.GrayText(" " + shortID(ev.TaskID))
		}
		fmt.Printf("%s %-22s%s\n", cli.Dimmed(ev.Timestamp), ev.Type, ref)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
