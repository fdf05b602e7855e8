// Command voicecore-probe is a manual smoke-test tool: it joins a voice
// channel with a real bot token and streams a DCA-framed Opus file into it,
// mirroring arikawa's own 0-examples/voice program but driving voicecore's
// Session/Scheduler/Adapter seam end to end instead of a full bot framework.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/relaytone/voicecore/discord"
	"github.com/relaytone/voicecore/gateway"
	"github.com/relaytone/voicecore/voice"
	"github.com/relaytone/voicecore/voice/scheduler"
	"github.com/relaytone/voicecore/voice/testdata"
	"github.com/relaytone/voicecore/voiceconfig"
)

func main() {
	token := flag.String("token", os.Getenv("BOT_TOKEN"), "Discord bot token (without the \"Bot \" prefix)")
	guildArg := flag.String("guild", os.Getenv("VOICE_GUILD_ID"), "guild ID to join a voice channel in")
	channelArg := flag.String("channel", os.Getenv("VOICE_CHANNEL_ID"), "voice channel ID to join")
	audioFile := flag.String("audio", testdata.Nico, "DCA-framed Opus file to stream")
	mute := flag.Bool("mute", false, "join self-muted")
	deaf := flag.Bool("deaf", false, "join self-deafened")
	flag.Parse()

	if *token == "" || *guildArg == "" || *channelArg == "" {
		log.Fatalln("usage: voicecore-probe -token <bot token> -guild <id> -channel <id> [-audio file.dca]")
	}

	// runID tags every log line from this invocation, so output from two
	// concurrent probes (e.g. one per guild in a shell loop) can be told
	// apart without extra plumbing.
	runID := uuid.New()
	logf := func(format string, args ...interface{}) {
		log.Printf("[%s] "+format, append([]interface{}{runID}, args...)...)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *token, *guildArg, *channelArg, *audioFile, *mute, *deaf, logf); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Fatalln(err)
		}
	}
}

func run(
	ctx context.Context,
	token, guildArg, channelArg, audioFile string,
	mute, deaf bool,
	logf func(string, ...interface{}),
) error {
	guildID, err := discord.ParseGuildID(guildArg)
	if err != nil {
		return errors.Wrap(err, "invalid -guild")
	}
	channelID, err := discord.ParseChannelID(channelArg)
	if err != nil {
		return errors.Wrap(err, "invalid -channel")
	}

	cfg, err := voiceconfig.FromEnv(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load voicecore configuration")
	}

	mg := newMainGateway(token)
	mg.ErrorLog = func(err error) { logf("main gateway error: %v", err) }

	adapter := gateway.NewRealAdapter(mg)
	mg.adapter = adapter

	logf("connecting to the main gateway")
	if err := mg.Open(ctx); err != nil {
		return errors.Wrap(err, "failed to open main gateway")
	}
	defer mg.Close()

	sess := voice.NewSession(adapter, mg.UserID())
	sess.ApplyConfig(cfg)
	sess.ErrorLog = func(err error) { logf("voice session error: %v", err) }

	logf("joining channel %s in guild %s", channelID, guildID)
	if err := sess.JoinChannel(ctx, guildID, channelID, mute, deaf); err != nil {
		return errors.Wrap(err, "failed to join voice channel")
	}
	defer sess.Leave(context.Background())

	if err := sess.SetSpeaking(ctx, true); err != nil {
		return errors.Wrap(err, "failed to signal speaking")
	}
	defer sess.SetSpeaking(context.Background(), false)

	logf("streaming %s", audioFile)
	if err := stream(ctx, sess, audioFile, logf); err != nil {
		return errors.Wrap(err, "failed to stream audio")
	}

	logf("done")
	return nil
}

// stream paces audioFile's Opus frames at the scheduler's fixed frame
// interval, since Session.SendAudio is a non-blocking enqueue (per the
// invariant that a full queue never stalls the caller) rather than a
// channel write a real-time producer can rely on for backpressure.
func stream(ctx context.Context, sess *voice.Session, audioFile string, logf func(string, ...interface{})) error {
	ticker := time.NewTicker(scheduler.FrameInterval)
	defer ticker.Stop()

	var dropped int
	writer := testdata.WriterFunc(func(frame []byte) (int, error) {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return 0, ctx.Err()
		}

		if err := sess.SendAudio(frame); err != nil {
			dropped++
			return len(frame), nil
		}
		return len(frame), nil
	})

	err := testdata.WriteOpus(writer, audioFile)
	if dropped > 0 {
		logf("dropped %d frame(s) the scheduler couldn't keep up with", dropped)
	}
	return err
}
