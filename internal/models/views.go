package models

import "maps"

// Table indexes a camera's events by sequence number, then channel. Events with the "final"
// sequence and events of per-day channels are not part of the table.
type Table map[int]map[string]Event

func BuildTable(events []Event, isPerDay func(channel string) bool) Table {
	table := make(Table)
	for _, event := range events {
		if event.SeqNum.IsFinal() || isPerDay(event.ChannelName) {
			continue
		}
		row, ok := table[event.SeqNum.Int()]
		if !ok {
			row = make(map[string]Event)
			table[event.SeqNum.Int()] = row
		}
		row[event.ChannelName] = event
	}
	return table
}

func (t Table) Equal(other Table) bool {
	return maps.EqualFunc(t, other, func(a, b map[string]Event) bool {
		return maps.Equal(a, b)
	})
}

func (t Table) Clone() Table {
	out := make(Table, len(t))
	for seq, row := range t {
		out[seq] = maps.Clone(row)
	}
	return out
}

// BuildPerDay keeps the latest event of every per-day channel.
func BuildPerDay(latest map[string]Event, isPerDay func(channel string) bool) map[string]Event {
	perDay := make(map[string]Event)
	for channel, event := range latest {
		if isPerDay(channel) {
			perDay[channel] = event
		}
	}
	return perDay
}
