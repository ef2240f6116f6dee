package protocol

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	ErrEmptyCommand   = errors.New("empty command")
	ErrUnknownCommand = errors.New("unknown command")
	ErrMissingArgs    = errors.New("missing command arguments")
)

// HelpText 为 /help 在本地打印的说明。
const HelpText = `commands:
  /list                      list channels
  /join <name> [password]    join a channel, creating it if absent
  /create <name> [password]  same as /join
  /leave                     leave the current channel
  /history [n]               show the newest n messages of the current channel
  /help                      show this help
  /quit, /exit               disconnect
anything else is sent to the current channel`

// Command 是一行用户输入解析后的结果。
// Local 为 true 时该命令只在客户端本地处理，Message 为 nil。
type Command struct {
	Local   bool
	Message Message
}

// ParseCommand 将一行输入解析为协议消息。以 / 开头的是命令，其余内容原样作为 SendMessage 的负载。
// /create 与 /join 解析为同一个 JoinChannel。
func ParseCommand(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Command{}, ErrEmptyCommand
	}
	if !strings.HasPrefix(line, "/") {
		return Command{Message: &SendMessage{Payload: []byte(line)}}, nil
	}

	fields := strings.Fields(line)
	verb, args := strings.ToLower(fields[0]), fields[1:]
	switch verb {
	case "/list":
		return Command{Message: &ListChannels{}}, nil
	case "/join", "/create":
		if len(args) == 0 {
			return Command{}, errors.Wrapf(ErrMissingArgs, "%s <name> [password]", verb)
		}
		msg := &JoinChannel{Name: args[0]}
		if len(args) > 1 {
			pw := strings.Join(args[1:], " ")
			msg.Password = &pw
		}
		return Command{Message: msg}, nil
	case "/leave":
		return Command{Message: &LeaveChannel{}}, nil
	case "/history":
		msg := &GetHistory{}
		if len(args) > 0 {
			n, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return Command{}, errors.Wrapf(err, "invalid history limit %q", args[0])
			}
			msg.Limit = uint32(n)
		}
		return Command{Message: msg}, nil
	case "/help":
		return Command{Local: true}, nil
	case "/quit", "/exit":
		return Command{Message: &Quit{}}, nil
	default:
		return Command{}, errors.Wrapf(ErrUnknownCommand, "%s", verb)
	}
}
