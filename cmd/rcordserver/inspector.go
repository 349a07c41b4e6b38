package main

import (
	"fmt"
	"sort"

	"rcord/internal/store"
)

// runInspector implements the offline "store" subcommand: open the
// database file (no listeners started) and print one line per record, for
// an operator debugging a stopped server. An existing file is only read;
// a missing path is initialized as an empty database by store.Open.
func runInspector(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: rcordserver store users|rooms|chats|invites <path>")
	}
	view, path := args[0], args[1]

	st, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer st.Close()

	switch view {
	case "users":
		return printUsers(st)
	case "rooms":
		return printRooms(st)
	case "chats":
		return printChats(st)
	case "invites":
		return printInvites(st)
	default:
		return fmt.Errorf("unknown view %q: want users|rooms|chats|invites", view)
	}
}

func printUsers(st *store.Store) error {
	users, err := st.ListUsers()
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Println("no users")
		return nil
	}
	for _, u := range users {
		fmt.Printf("%-20s online=%-5v last_seen=%s\n", u.Username, u.Online, u.LastSeen)
	}
	return nil
}

func printRooms(st *store.Store) error {
	rooms, err := st.AllRooms()
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		fmt.Println("no rooms")
		return nil
	}
	for _, r := range rooms {
		members, err := st.GetRoomMembers(r.Room)
		if err != nil {
			return err
		}
		fmt.Printf("%-20s kind=%-6s members=%v\n", r.Room, r.Kind, members)
	}
	return nil
}

func printChats(st *store.Store) error {
	chats, err := st.AllChats()
	if err != nil {
		return err
	}
	if len(chats) == 0 {
		fmt.Println("no chats")
		return nil
	}
	for _, c := range chats {
		members, err := st.GetChatMembers(c.Chat)
		if err != nil {
			return err
		}
		fmt.Printf("%-20s kind=%-6s participants=%v\n", c.Chat, c.Kind, members)
	}
	return nil
}

func printInvites(st *store.Store) error {
	all, err := st.AllInvites()
	if err != nil {
		return err
	}
	if len(all) == 0 {
		fmt.Println("no invites")
		return nil
	}
	users := make([]string, 0, len(all))
	for u := range all {
		users = append(users, u)
	}
	sort.Strings(users)
	for _, u := range users {
		ui := all[u]
		if len(ui.Rooms) == 0 && len(ui.Chats) == 0 {
			continue
		}
		fmt.Printf("%s:\n", u)
		for _, inv := range ui.Rooms {
			fmt.Printf("  room  %-20s invited_at=%s\n", inv.Target, inv.InvitedAt)
		}
		for _, inv := range ui.Chats {
			fmt.Printf("  chat  %-20s invited_at=%s\n", inv.Target, inv.InvitedAt)
		}
	}
	return nil
}
