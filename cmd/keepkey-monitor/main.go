// KeepKey Monitor: a terminal dashboard for a running keepkey-host
// instance. A list.Model menu of devices, a viewport log of live events
// streamed over SSE, a gopsutil resource footer ticking once a second,
// and clipboard copy of the selected device ID.
package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	psutil "github.com/shirou/gopsutil/v3/cpu"
	psmem "github.com/shirou/gopsutil/v3/mem"

	"keepkeyhost/internal/client"
)

var port = flag.Int("port", 1646, "port the keepkey-host API is listening on")

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#FFFF00")).
			Padding(0, 2).
			Bold(true).
			Width(80)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#4B5563")).
			Padding(0, 2).
			Width(80)

	logViewStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#9CA3AF"))

	copyNoticeStyle = lipgloss.NewStyle().
				Background(lipgloss.Color("#10B981")).
				Foreground(lipgloss.Color("#FFFFFF")).
				Bold(true)
)

type deviceItem struct {
	status client.DeviceStatus
}

func (i deviceItem) Title() string { return i.status.DeviceID }
func (i deviceItem) Description() string {
	if !i.status.Connected {
		return "disconnected"
	}
	flags := []string{"connected"}
	if i.status.NeedsBootloaderUpdate {
		flags = append(flags, "bootloader update needed")
	}
	if i.status.NeedsFirmwareUpdate {
		flags = append(flags, "firmware update needed")
	}
	if i.status.NeedsInitialization {
		flags = append(flags, "needs initialization")
	}
	return strings.Join(flags, ", ")
}
func (i deviceItem) FilterValue() string { return i.status.DeviceID }

type model struct {
	api       *client.APIClient
	devices   list.Model
	eventLog  viewport.Model
	events    []string
	eventChan <-chan client.Event
	resource  string
	width     int
	height    int

	copyNotice string
}

type devicesMsg struct {
	statuses []client.DeviceStatus
	err      error
}

type eventMsg client.Event

type resourceMsg string

type copyNoticeExpiredMsg struct{}

func initialModel(api *client.APIClient) model {
	defaultWidth, defaultHeight := 80, 24
	devices := list.New(nil, list.NewDefaultDelegate(), defaultWidth-4, defaultHeight-12)
	devices.Title = "KeepKey Devices"
	devices.SetShowStatusBar(false)
	devices.SetFilteringEnabled(false)

	eventLog := viewport.New(defaultWidth-4, 8)
	eventLog.Style = logViewStyle
	eventLog.SetContent("waiting for events...")

	return model{
		api:      api,
		devices:  devices,
		eventLog: eventLog,
		width:    defaultWidth,
		height:   defaultHeight,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(pollDevices(m.api), connectEvents(m.api), tickResources())
}

// connectedMsg carries the live SSE channel into the model once the
// connection succeeds, so later events can be pulled one at a time
// without bubbletea reconnecting per message.
type connectedMsg struct {
	ch  <-chan client.Event
	err error
}

func connectEvents(api *client.APIClient) tea.Cmd {
	return func() tea.Msg {
		ch, err := api.StreamEvents(context.Background())
		return connectedMsg{ch: ch, err: err}
	}
}

func nextEvent(ch <-chan client.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventMsg{Name: "stream-closed"}
		}
		return eventMsg(ev)
	}
}

func pollDevices(api *client.APIClient) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		descs, err := api.GetConnectedDevices(ctx)
		if err != nil {
			return devicesMsg{err: err}
		}
		statuses := make([]client.DeviceStatus, 0, len(descs))
		for _, d := range descs {
			st, err := api.GetDeviceStatus(ctx, d.Key)
			if err != nil {
				continue
			}
			statuses = append(statuses, *st)
		}
		return devicesMsg{statuses: statuses}
	}
}

func tickResources() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		cpuPercent, _ := psutil.Percent(0, false)
		memInfo, _ := psmem.VirtualMemory()
		cpu := 0.0
		if len(cpuPercent) > 0 {
			cpu = cpuPercent[0]
		}
		mem := 0.0
		if memInfo != nil {
			mem = memInfo.UsedPercent
		}
		return resourceMsg(fmt.Sprintf("CPU: %.1f%% | RAM: %.1f%%", cpu, mem))
	})
}

func tickDevicePoll(api *client.APIClient) tea.Cmd {
	return tea.Tick(3*time.Second, func(time.Time) tea.Msg {
		return pollDevices(api)()
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.devices.SetSize(m.width-4, m.height-12)
		m.eventLog.Width = m.width - 4

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "c":
			if item, ok := m.devices.SelectedItem().(deviceItem); ok {
				if err := clipboard.WriteAll(item.status.DeviceID); err == nil {
					m.copyNotice = "copied " + item.status.DeviceID + " to clipboard"
					cmds = append(cmds, expireCopyNoticeAfter(2*time.Second))
				}
			}
		case "r":
			cmds = append(cmds, pollDevices(m.api))
		}

	case devicesMsg:
		if msg.err == nil {
			items := make([]list.Item, 0, len(msg.statuses))
			for _, st := range msg.statuses {
				items = append(items, deviceItem{status: st})
			}
			m.devices.SetItems(items)
		}
		cmds = append(cmds, tickDevicePoll(m.api))

	case connectedMsg:
		if msg.err != nil {
			m.events = append(m.events, fmt.Sprintf("event stream error: %v", msg.err))
			m.eventLog.SetContent(strings.Join(m.events, "\n"))
		} else {
			m.eventChan = msg.ch
			cmds = append(cmds, nextEvent(m.eventChan))
		}

	case eventMsg:
		if msg.Name != "stream-closed" {
			line := fmt.Sprintf("[%s] %s: %s", time.Now().Format("15:04:05"), msg.Name, string(msg.Payload))
			m.events = append(m.events, line)
			if len(m.events) > 200 {
				m.events = m.events[len(m.events)-200:]
			}
			wrapped := ansi.Wordwrap(strings.Join(m.events, "\n"), m.eventLog.Width, " \t")
			m.eventLog.SetContent(wrapped)
			m.eventLog.GotoBottom()
			if m.eventChan != nil {
				cmds = append(cmds, nextEvent(m.eventChan))
			}
		}

	case resourceMsg:
		m.resource = string(msg)
		cmds = append(cmds, tickResources())

	case copyNoticeExpiredMsg:
		m.copyNotice = ""
	}

	var cmd tea.Cmd
	m.devices, cmd = m.devices.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func expireCopyNoticeAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return copyNoticeExpiredMsg{} })
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("KeepKey Monitor") + "\n\n")
	b.WriteString(m.devices.View() + "\n")
	b.WriteString(m.eventLog.View() + "\n")
	if m.copyNotice != "" {
		b.WriteString(copyNoticeStyle.Render(m.copyNotice) + "\n")
	}
	b.WriteString(footerStyle.Render(m.resource + " | r: refresh  c: copy id  q: quit"))
	return b.String()
}

func main() {
	flag.Parse()
	api := client.NewAPIClient(*port)

	p := tea.NewProgram(initialModel(api), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Println("keepkey-monitor exited with error:", err)
	}
}
