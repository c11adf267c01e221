// Command triplink is a terminal client for the TripLink backend. It restores
// the persisted session on start, then drives the same service layer the
// mobile UI uses: login, package browsing, bookings, and live chat.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"triplink/config"
	"triplink/internal/api"
	"triplink/internal/auth"
	"triplink/internal/chat"
	"triplink/internal/nav"
	"triplink/internal/profile"
	"triplink/internal/trips"
)

type app struct {
	cfg     *config.Config
	log     *slog.Logger
	auth    *auth.Manager
	trips   *trips.Service
	profile *profile.Service
	chat    *chat.Service
	router  *nav.Router
}

func main() {
	cfg := config.Load()
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store, err := auth.OpenSQLiteStore(cfg.SessionDBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot open session store:", err)
		os.Exit(1)
	}
	defer store.Close()

	a := &app{cfg: cfg, log: log}

	a.auth = auth.NewManager(store,
		auth.WithLogger(log),
		auth.WithProactiveRefresh(cfg.ProactiveRefreshInterval),
		auth.WithPreload(func(ctx context.Context, _ auth.Session) {
			a.profile.Get(ctx)
			a.trips.Packages(ctx, trips.PackageFilters{})
		}),
		auth.WithSignedOutHook(func() {
			a.trips.Reset()
			a.profile.Reset()
			if a.router != nil {
				a.router.ForceLogin()
			}
		}),
	)

	client := api.New(cfg.APIBaseURL, a.auth, a.auth,
		api.WithTimeout(cfg.RequestTimeout),
		api.WithLogger(log),
	)
	a.auth.AttachPipeline(client)
	defer a.auth.Close()

	a.trips = trips.NewService(client)
	a.profile = profile.NewService(client)
	a.chat = chat.NewService(client, cfg.WSBaseURL, a.auth.AccessToken, log)

	a.router = nav.NewRouter(nav.NewOnboarding(), nav.Hooks{
		SignedIn: func() bool { return a.auth.Session() != nil },
	}, log)

	ctx := context.Background()
	if session := a.auth.Restore(ctx); session != nil {
		fmt.Printf("welcome back, %s\n", session.User.Email)
		a.router.Go(ctx, nav.NewHome())
	} else {
		fmt.Println("not signed in; use: login <email> <password>")
	}

	a.repl(ctx)
}

func (a *app) repl(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			fmt.Print("> ")
			continue
		}
		if parts[0] == "quit" || parts[0] == "exit" {
			return
		}
		a.dispatch(ctx, parts[0], parts[1:])
		fmt.Print("> ")
	}
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) {
	var err error
	switch cmd {
	case "login":
		err = a.cmdLogin(ctx, args)
	case "logout":
		a.auth.Logout(ctx)
		fmt.Println("signed out")
	case "me":
		err = a.cmdMe(ctx)
	case "packages":
		err = a.cmdPackages(ctx, args)
	case "book":
		err = a.cmdBook(ctx, args)
	case "bookings":
		err = a.cmdBookings(ctx)
	case "cancel":
		err = a.cmdCancel(ctx, args)
	case "rooms":
		err = a.cmdRooms(ctx)
	case "chat":
		err = a.cmdChat(ctx, args)
	case "unread":
		err = a.cmdUnread(ctx)
	case "help":
		fmt.Println("commands: login, logout, me, packages [location], book <pkg>, bookings, cancel <id>, rooms, chat <room>, unread, quit")
	default:
		fmt.Println("unknown command; try help")
	}
	if err != nil {
		printError(err)
	}
}

func (a *app) cmdLogin(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: login <email> <password>")
	}
	session, err := a.auth.Login(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("signed in as %s\n", session.User.Email)
	a.router.Go(ctx, nav.NewHome())
	return nil
}

func (a *app) cmdMe(ctx context.Context) error {
	p, err := a.profile.Get(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s <%s> %s\n", p.FullName, p.Email, p.PhoneNumber)
	return nil
}

func (a *app) cmdPackages(ctx context.Context, args []string) error {
	filters := trips.PackageFilters{}
	if len(args) > 0 {
		filters.Location = args[0]
	}
	packages, err := a.trips.Packages(ctx, filters)
	if err != nil {
		if cached := a.trips.CachedPackages(); len(cached) > 0 {
			fmt.Println("(offline, showing cached)")
			packages = cached
		} else {
			return err
		}
	}
	for _, p := range packages {
		booked := ""
		if p.UserHasBooked {
			booked = " [booked]"
		}
		fmt.Printf("#%d %s, %s (%s) %s%s\n", p.ID, p.Name, p.Location, p.Country, p.Price, booked)
	}
	return nil
}

func (a *app) cmdBook(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: book <package-id>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return errors.New("package id must be a number")
	}
	booking, err := a.trips.CreateBooking(ctx, trips.BookingInput{PackageID: id})
	if err != nil {
		return err
	}
	fmt.Printf("booked #%d (%s)\n", booking.ID, booking.Status)
	return nil
}

func (a *app) cmdBookings(ctx context.Context) error {
	bookings, err := a.trips.Bookings(ctx)
	if err != nil {
		return err
	}
	for _, b := range bookings {
		fmt.Printf("#%d %s %s %s to %s\n", b.ID, b.PackageName, b.Status, b.TripStartDate, b.TripEndDate)
	}
	return nil
}

func (a *app) cmdCancel(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: cancel <booking-id>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return errors.New("booking id must be a number")
	}
	if err := a.trips.CancelBooking(ctx, id); err != nil {
		return err
	}
	fmt.Println("cancelled")
	return nil
}

func (a *app) cmdRooms(ctx context.Context) error {
	rooms, err := a.chat.Rooms(ctx)
	if err != nil {
		return err
	}
	for _, r := range rooms {
		unread := ""
		if r.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", r.UnreadCount)
		}
		fmt.Printf("#%d %s: %s%s\n", r.ID, r.OtherUserName, r.LastMessage, unread)
	}
	return nil
}

// cmdChat opens a live room. Incoming messages print as they arrive; lines
// typed are sent; a bare "/back" leaves the room.
func (a *app) cmdChat(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: chat <room-id>")
	}
	roomID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return errors.New("room id must be a number")
	}
	session := a.auth.Session()
	if session == nil {
		return auth.ErrNotSignedIn
	}

	a.router.Go(ctx, nav.NewChatDetail(roomID))

	var printMu sync.Mutex
	seen := 0
	room := a.chat.OpenRoom(ctx, roomID, session.User.ID, chat.RoomSessionConfig{
		PollInterval: a.cfg.ChatPollInterval,
		OnUpdate: func(msgs []chat.Message) {
			printMu.Lock()
			defer printMu.Unlock()
			for ; seen < len(msgs); seen++ {
				m := msgs[seen]
				fmt.Printf("[%s] %s\n", m.SenderName, m.Text)
			}
		},
	})
	defer room.Close()

	fmt.Println("joined room; type to send, /back to leave")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "/back" {
			a.router.Go(ctx, nav.NewMessages())
			return nil
		}
		if text == "" {
			continue
		}
		if restored, err := room.Send(ctx, text); err != nil {
			printError(err)
			if restored != "" {
				fmt.Printf("(not sent: %q)\n", restored)
			}
		}
	}
	return nil
}

func (a *app) cmdUnread(ctx context.Context) error {
	count, err := a.chat.UnreadCount(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d unread\n", count)
	return nil
}

func printError(err error) {
	if kind, ok := api.KindOf(err); ok {
		switch kind {
		case api.KindAuthExpired, api.KindRefreshFailed:
			fmt.Println("session expired, please log in again")
			return
		case api.KindNetwork:
			fmt.Println("network problem:", err)
			return
		}
	}
	fmt.Println("error:", err)
}
