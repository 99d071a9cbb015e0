// Command roomctl joins a live room as one tab of a user and keeps the
// session until terminated.
package main

import (
	"context"
	goflag "flag"
	"fmt"
	"os"
	"time"

	"github.com/giongto35/cloud-room/pkg/config"
	"github.com/giongto35/cloud-room/pkg/connection"
	"github.com/giongto35/cloud-room/pkg/crosstab"
	"github.com/giongto35/cloud-room/pkg/errs"
	"github.com/giongto35/cloud-room/pkg/logger"
	"github.com/giongto35/cloud-room/pkg/media"
	"github.com/giongto35/cloud-room/pkg/monitoring"
	"github.com/giongto35/cloud-room/pkg/network"
	"github.com/giongto35/cloud-room/pkg/network/webrtc"
	osx "github.com/giongto35/cloud-room/pkg/os"
	"github.com/giongto35/cloud-room/pkg/roomsession"
	"github.com/giongto35/cloud-room/pkg/service"
	"github.com/giongto35/cloud-room/pkg/token"
	"github.com/giongto35/cloud-room/pkg/transport/ws"
	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"
)

var Version = "?"

type options struct {
	room, user, name, mode string
	stay                   bool
}

// status is what the monitoring server shows at /session.
type status struct {
	Tab      string               `json:"tab"`
	State    string               `json:"state"`
	Error    string               `json:"error,omitempty"`
	Pid      string               `json:"pid,omitempty"`
	Expires  *time.Time           `json:"expires,omitempty"`
	Renewal  bool                 `json:"renewal"`
	Route    string               `json:"route"`
	Floating bool                 `json:"floating"`
	Session  *roomsession.Session `json:"session,omitempty"`
	Leases   []crosstab.Lease     `json:"leases"`
	Local    map[media.Kind]bool  `json:"local"`
}

func main() {
	// the config file sets the defaults of the other flags
	pre := flag.NewFlagSet("conf", flag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.Usage = func() {}
	config.ConfigPathFlag(pre)
	_ = pre.Parse(os.Args[1:])

	conf := config.NewRoomConfig()

	var opts options
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.StringVarP(&opts.room, "room", "r", "", "Room id to join")
	flag.StringVarP(&opts.user, "user", "u", "", "User id")
	flag.StringVarP(&opts.name, "name", "n", "", "Display name")
	flag.StringVarP(&opts.mode, "mode", "m", string(media.ModeVoice), "Room mode: voice or video")
	flag.BoolVar(&opts.stay, "stay", false, "Keep the session on termination, as on navigation away")
	config.ConfigPathFlag(flag.CommandLine)
	conf.WithFlags(flag.CommandLine)
	flag.Parse()

	tab := network.NewUid()
	log := logger.NewConsole(conf.Debug, tab.Short(), false)
	log.Info().Msgf("version %s", Version)
	if log.GetLevel() < logger.InfoLevel {
		log.Debug().Msgf("config: %+v", conf)
	}

	if err := run(conf, opts, tab.String(), log); err != nil {
		log.Error().Err(err).Msg("roomctl")
		os.Exit(1)
	}
}

func run(conf config.RoomConfig, opts options, tab string, log *logger.Logger) error {
	mode, err := media.ParseMode(opts.mode)
	if err != nil {
		return err
	}
	if opts.name == "" {
		opts.name = opts.user
	}

	store, err := crosstab.NewFileStore(conf.Lock.Dir, log)
	if err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	guard := crosstab.NewGuard(store, conf.Lock.Staleness, log)

	peers, err := webrtc.NewApiFactory(conf.Webrtc, log, nil)
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	rooms := roomsession.New(conf.Room.RoutePrefix)
	manager := connection.NewManager(conf, connection.Deps{
		Guard:     guard,
		Tokens:    token.NewProvider(conf.Token, log),
		Media:     media.NewManager(media.SyntheticDevices{}, conf.Media, nil, log),
		Rooms:     rooms,
		Transport: ws.NewFactory(peers, log),
	}, log, connection.WithTabId(tab), connection.WithRegisterer(prometheus.DefaultRegisterer))

	var services service.Group
	if conf.Monitoring.IsEnabled() {
		mon, err := monitoring.New(conf.Monitoring, func() any { return snapshot(manager, rooms, guard) }, log)
		if err != nil {
			return fmt.Errorf("monitoring: %w", err)
		}
		services.Add(mon)
	}
	services.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if changes, err := guard.Watch(ctx); err == nil {
		go func() {
			for c := range changes {
				log.Debug().Str("key", c.Key).Str("op", c.Op.String()).Msg("Lock changed")
			}
		}()
	} else {
		log.Warn().Err(err).Msg("Lock changes are not watched")
	}

	manager.OnStateChange(func(from, to connection.State) {
		log.Info().Str(logger.StateField, to.String()).Msgf("%v -> %v", from, to)
	})
	manager.OnError(func(err error) {
		msg, action := errs.UserMessage(err)
		log.Error().Err(err).Str("action", string(action)).Msg(msg)
	})
	unsubscribe := rooms.Subscribe(func(s roomsession.Snapshot) {
		if s.Session == nil {
			return
		}
		log.Info().Str(logger.RoomField, s.Session.RoomId).Int("participants", len(s.Session.Participants)).
			Bool("joining", s.Session.Joining.Joining).Msg("Room")
	})
	defer unsubscribe()

	done := osx.ExpectTermination()

	rooms.Navigate(rooms.RoomRoute(opts.room))
	joined := make(chan error, 1)
	go func() {
		joined <- manager.Join(ctx, connection.JoinRequest{
			RoomId: opts.room,
			Name:   opts.name,
			UserId: opts.user,
			Mode:   mode,
		})
	}()

	select {
	case err = <-joined:
		if err != nil {
			break
		}
		<-done
	case <-done:
	}

	reason, route := connection.ExplicitLeave, ""
	if opts.stay {
		reason, route = connection.Navigation, "/"
	}
	stop, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelStop()
	if terr := manager.Teardown(stop, reason, route); terr != nil {
		log.Warn().Err(terr).Msg("Teardown")
	}
	if !opts.stay {
		guard.ReleaseAll()
	}
	if serr := services.Shutdown(stop); serr != nil {
		log.Error().Err(serr).Msg("service shutdown errors")
	}
	return err
}

func snapshot(m *connection.Manager, rooms *roomsession.Context, guard *crosstab.Guard) any {
	s := status{
		Tab:      m.TabId(),
		State:    m.State().String(),
		Pid:      m.ParticipantId(),
		Renewal:  m.RenewalPending(),
		Route:    rooms.Route(),
		Floating: rooms.FloatingVisible(),
		Leases:   guard.Marker().List(),
	}
	if err := m.Err(); err != nil {
		s.Error = err.Error()
	}
	if tok := m.Token(); !tok.ExpiresAt.IsZero() {
		s.Expires = &tok.ExpiresAt
	}
	if cur, ok := rooms.Current(); ok {
		s.Session = &cur
	}
	local := m.Local()
	s.Local = map[media.Kind]bool{media.Audio: local.AudioEnabled(), media.Video: local.VideoEnabled()}
	return s
}
