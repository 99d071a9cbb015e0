package config

import (
	"time"

	flag "github.com/spf13/pflag"
)

// RoomConfig is the configuration of a live room client (one tab).
type RoomConfig struct {
	Debug      bool
	Room       Room
	Token      Token
	Lock       Lock
	Connection Connection
	Transport  Transport
	Media      Media
	Webrtc     Webrtc
	Monitoring Monitoring
}

type Room struct {
	// SizeLimit is the max number of participants (self included).
	SizeLimit int `default:"5"`
	// RoutePrefix prefixes the page route of a room, e.g. /rooms/R1.
	RoutePrefix string `default:"/rooms/"`
}

type Token struct {
	// Endpoint is the base URL of the token issuing service.
	Endpoint string `default:"http://localhost:8080"`
	Timeout  time.Duration `default:"8s"`
	// RenewalBuffer is how long before the expiration a token is renewed.
	RenewalBuffer time.Duration `default:"30s"`
	// DefaultLifetime applies when the issuer doesn't say when a token expires.
	DefaultLifetime time.Duration `default:"1h"`
}

type Lock struct {
	// Dir is a directory shared by all tabs (processes) of a user.
	Dir string
	// Staleness is how long a lock is considered active without refresh.
	Staleness time.Duration `default:"120s"`
}

type Connection struct {
	MaxAttempts    int           `default:"3"`
	Backoff        time.Duration `default:"1s"`
	MaxBackoff     time.Duration `default:"8s"`
	AttemptTimeout time.Duration `default:"15s"`
}

type Transport struct {
	// AppId is the application identifier of the real-time transport.
	AppId string
	// Address is the signalling websocket endpoint.
	Address     string        `default:"ws://localhost:8080/rtc"`
	CallTimeout time.Duration `default:"5s"`
	Reconnect   int           `default:"3"`
}

type Media struct {
	AudioCodec string `default:"opus"`
	VideoCodec string `default:"vp8"`
}

// allows custom config path
var roomConfigPath string

func NewRoomConfig() (conf RoomConfig) {
	if err := LoadConfig(&conf, roomConfigPath); err != nil {
		panic(err)
	}
	conf.Webrtc.AddIceServersEnv()
	return
}

// WithFlags adds command line flags for the most used params.
// Should be called before flag.Parse.
func (c *RoomConfig) WithFlags(fs *flag.FlagSet) {
	fs.BoolVarP(&c.Debug, "debug", "d", c.Debug, "Enable debug logs")
	fs.StringVar(&c.Token.Endpoint, "token.endpoint", c.Token.Endpoint, "Token issuing service base URL")
	fs.StringVar(&c.Transport.AppId, "transport.app", c.Transport.AppId, "Real-time transport application id")
	fs.StringVar(&c.Transport.Address, "transport.address", c.Transport.Address, "Signalling server address")
	fs.StringVar(&c.Lock.Dir, "lock.dir", c.Lock.Dir, "Shared cross-tab lock directory")
	fs.IntVar(&c.Room.SizeLimit, "room.limit", c.Room.SizeLimit, "Room size limit")
	fs.IntVar(&c.Monitoring.Port, "monitoring.port", c.Monitoring.Port, "Monitoring server port")
}

// ConfigPathFlag adds the custom config path flag.
func ConfigPathFlag(fs *flag.FlagSet) {
	fs.StringVar(&roomConfigPath, "conf", roomConfigPath, "Set custom configuration file path")
}
