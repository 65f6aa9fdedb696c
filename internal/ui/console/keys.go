package console

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Send     key.Binding
	Start    key.Binding
	Stop     key.Binding
	Ping     key.Binding
	Worker   key.Binding
	Consumer key.Binding
	Logs     key.Binding
	Up       key.Binding
	Down     key.Binding
	Quit     key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Send:     key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "send")),
		Start:    key.NewBinding(key.WithKeys("ctrl+s"), key.WithHelp("ctrl+s", "start")),
		Stop:     key.NewBinding(key.WithKeys("ctrl+x"), key.WithHelp("ctrl+x", "stop")),
		Ping:     key.NewBinding(key.WithKeys("ctrl+p"), key.WithHelp("ctrl+p", "ping")),
		Worker:   key.NewBinding(key.WithKeys("ctrl+w"), key.WithHelp("ctrl+w", "share compute")),
		Consumer: key.NewBinding(key.WithKeys("ctrl+o"), key.WithHelp("ctrl+o", "chat mode")),
		Logs:     key.NewBinding(key.WithKeys("ctrl+l"), key.WithHelp("ctrl+l", "logs")),
		Up:       key.NewBinding(key.WithKeys("pgup"), key.WithHelp("pgup", "scroll up")),
		Down:     key.NewBinding(key.WithKeys("pgdown"), key.WithHelp("pgdn", "scroll down")),
		Quit:     key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "quit")),
	}
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Send, k.Start, k.Stop, k.Ping, k.Worker, k.Consumer, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Send, k.Up, k.Down},
		{k.Start, k.Stop, k.Ping},
		{k.Worker, k.Consumer, k.Logs, k.Quit},
	}
}
