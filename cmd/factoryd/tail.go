package main

import (
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/silver-key/factory-agents/internal/domain"
	"github.com/silver-key/factory-agents/internal/eventbus"
)

// runTail connects to the server's websocket, prints the snapshot log
// and then streams live lines until the run finishes.
func runTail(cmd *cobra.Command, args []string) error {
	runID := args[0]

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(serverURL, runID), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return fmt.Errorf("run %s not found", runID)
		}
		return err
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	var snap struct {
		Kind string      `json:"type"`
		Run  *domain.Run `json:"run"`
	}
	if err := conn.ReadJSON(&snap); err != nil {
		return err
	}
	if snap.Run == nil {
		return fmt.Errorf("unexpected first frame %q", snap.Kind)
	}

	for _, line := range strings.Split(strings.TrimRight(snap.Run.Log, "\n"), "\n") {
		if line != "" {
			printLogLine(line)
		}
	}
	if snap.Run.Status.IsTerminal() {
		printStatus(snap.Run.Status, snap.Run.Error, snap.Run.PRURL)
		return nil
	}

	for {
		var ev eventbus.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		switch ev.Kind {
		case eventbus.KindLog:
			printLogLine(ev.Line)
		case eventbus.KindStatus:
			status := domain.RunStatus(ev.Status)
			if status.IsTerminal() {
				printStatus(status, ev.Error, ev.PRURL)
				return nil
			}
		}
	}
}

func printLogLine(line string) {
	if strings.HasPrefix(line, "[stderr]") {
		fmt.Println(queuedStyle.Render(line))
		return
	}
	fmt.Println(line)
}

func printStatus(status domain.RunStatus, errMsg, prURL string) {
	fmt.Println(styleForStatus(status).Render("── run " + string(status) + " ──"))
	if prURL != "" {
		fmt.Println("Pull request:", prURL)
	}
	if errMsg != "" {
		fmt.Println(failedStyle.Render("Error: " + errMsg))
	}
}

func wsURL(server, runID string) string {
	url := server
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/ws?runId=" + runID
}
