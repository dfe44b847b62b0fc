// Command chatctl talks to the chat service over gRPC.
//
//	chatctl [-addr host:port] send -from 1 (-channel 2 | -to 3) text...
//	chatctl history (-channel 2 | -between 1,3)
//	chatctl channels
//	chatctl token -user 1 -nickname alice [-ttl 24h]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"

	"tuyu/internal/auth"
	"tuyu/internal/grpcclient"
	"tuyu/internal/models"
)

func main() {
	_ = godotenv.Load()

	if err := run(os.Args[1:], os.Stdout); err != nil {
		color.Error.Println(err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	global := flag.NewFlagSet("chatctl", flag.ContinueOnError)
	addr := global.String("addr", envOr("GRPC_ADDR", "localhost:9090"), "chat service address")
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		return fmt.Errorf("usage: chatctl [-addr host:port] send|history|channels|token ...")
	}

	cmd, rest := global.Arg(0), global.Args()[1:]
	if cmd == "token" {
		return tokenCmd(rest, out)
	}

	client, err := grpcclient.NewChatClient(*addr)
	if err != nil {
		return err
	}
	defer client.Close()
	ctx := context.Background()

	switch cmd {
	case "send":
		return sendCmd(ctx, client, rest, out)
	case "history":
		return historyCmd(ctx, client, rest, out)
	case "channels":
		channels, err := client.ListChannels(ctx)
		if err != nil {
			return err
		}
		renderChannels(out, channels)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func sendCmd(ctx context.Context, client *grpcclient.ChatClient, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	from := fs.Int64("from", 0, "sender user id")
	channel := fs.Int64("channel", 0, "channel id")
	to := fs.Int64("to", 0, "recipient user id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := models.SendMessageRequest{SenderID: *from, Content: strings.Join(fs.Args(), " ")}
	if *channel != 0 {
		req.ChannelID = channel
	}
	if *to != 0 {
		req.RecipientID = to
	}
	msg, err := client.SendMessage(ctx, req)
	if err != nil {
		return err
	}
	renderMessages(out, []models.Message{msg})
	return nil
}

func historyCmd(ctx context.Context, client *grpcclient.ChatClient, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	channel := fs.Int64("channel", 0, "channel id")
	between := fs.String("between", "", "two user ids, comma separated")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		messages []models.Message
		err      error
	)
	switch {
	case *channel != 0:
		messages, err = client.GetMessages(ctx, *channel)
	case *between != "":
		a, b, perr := parsePair(*between)
		if perr != nil {
			return perr
		}
		messages, err = client.GetPrivateMessages(ctx, a, b)
	default:
		return fmt.Errorf("history needs -channel or -between")
	}
	if err != nil {
		return err
	}
	renderMessages(out, messages)
	return nil
}

func tokenCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	user := fs.Int64("user", 0, "user id")
	nickname := fs.String("nickname", "", "nickname")
	ttl := fs.Duration("ttl", 24*time.Hour, "token validity")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "signing secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" {
		return fmt.Errorf("token needs -secret or JWT_SECRET")
	}
	if *user <= 0 {
		return fmt.Errorf("token needs a positive -user")
	}

	token, err := auth.GenerateToken(auth.Identity{UserID: *user, Nickname: *nickname}, []byte(*secret), *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func renderMessages(out io.Writer, messages []models.Message) {
	table := newTable(out, []string{"ID", "Time", "From", "To", "Content"})
	for _, m := range messages {
		to := ""
		switch {
		case m.ChannelID != nil:
			to = "#" + strconv.FormatInt(*m.ChannelID, 10)
		case m.RecipientID != nil:
			to = "@" + strconv.FormatInt(*m.RecipientID, 10)
		}
		table.Append([]string{
			strconv.FormatInt(m.ID, 10),
			m.Timestamp.Local().Format(time.DateTime),
			m.SenderNickname,
			to,
			m.Content,
		})
	}
	table.Render()
}

func renderChannels(out io.Writer, channels []models.Channel) {
	table := newTable(out, []string{"ID", "Name"})
	for _, c := range channels {
		table.Append([]string{strconv.FormatInt(c.ID, 10), c.Name})
	}
	table.Render()
}

func newTable(out io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetCenterSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("\t")
	return table
}

func parsePair(s string) (int64, int64, error) {
	left, right, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("expected two ids, got %q", s)
	}
	a, err := strconv.ParseInt(strings.TrimSpace(left), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad id %q: %w", left, err)
	}
	b, err := strconv.ParseInt(strings.TrimSpace(right), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad id %q: %w", right, err)
	}
	return a, b, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
