// Command drivelink-cli is a diagnostic REPL over a connected motor
// controller: one-shot commands, config register access, task
// start/cancel and a live view of session events.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/drivelink-io/drivelink/log2"
	"github.com/drivelink-io/drivelink/proto"
	"github.com/drivelink-io/drivelink/session"
	"github.com/drivelink-io/drivelink/task"
)

const usage = `commands:
  beep | stop | emergency
  stats                  device task statistics
  get <name>             read config register
  set <name> <hex>       stage config write (sent by commit)
  commit                 run config-commit task with staged writes
  selftest | ident       run device self-test / motor identification
  upload <file>          firmware upload task
  cancel                 cancel the running task
  s<ms>                  sleep
  quit`

func main() {
	flagConfig := flag.String("config", "drivelink.hcl", "")
	flagDebug := flag.Bool("debug", false, "")
	flag.Parse()

	logLevel := log2.LInfo
	if *flagDebug {
		logLevel = log2.LDebug
	}
	slog := log2.NewStderr(logLevel)
	slog.SetFlags(log2.LStdFlags)

	conf := session.MustReadConfigFile(log.Fatal, *flagConfig)
	ctx := context.Background()
	s, err := session.Connect(ctx, conf, slog, func(stage string) {
		fmt.Printf("connect: %s\n", stage)
	})
	if err != nil {
		log.Fatal(err)
	}
	defer s.Disconnect()
	info := s.Info()
	fmt.Printf("connected %s fw=%d.%d\n", info.Name, info.FirmwareMajor, info.FirmwareMinor)

	go drainEvents(s)

	var staged []proto.ConfigEntry
	var current *task.Task

	stdin := bufio.NewReader(os.Stdin)
	for {
		fmt.Fprintf(os.Stdout, "> ")
		bline, _, err := stdin.ReadLine()
		if err != nil {
			return
		}
		words := strings.Fields(string(bline))
		if len(words) == 0 {
			continue
		}

		switch words[0] {
		case "help", "?":
			fmt.Println(usage)
		case "quit", "exit":
			return
		case "beep":
			report(s.Beep(ctx))
		case "stop":
			report(s.Stop(ctx))
		case "emergency":
			report(s.Emergency())
		case "stats":
			stats, err := s.TaskStatistics(ctx)
			if err != nil {
				report(err)
				continue
			}
			for _, ts := range stats {
				fmt.Printf("task=%d started=%d failed=%d exit=%04x run=%s\n",
					ts.TaskID, ts.StartedCount, ts.FailureCount, ts.LastExitCode, ts.TotalRun)
			}
		case "get":
			if len(words) < 2 {
				fmt.Println("get <name>")
				continue
			}
			entry, err := s.ReadConfigEntry(ctx, words[1])
			if err != nil {
				report(err)
				continue
			}
			fmt.Printf("%s = %x\n", entry.Name, entry.Value)
		case "set":
			if len(words) < 3 {
				fmt.Println("set <name> <hex>")
				continue
			}
			value, err := hex.DecodeString(words[2])
			if err != nil {
				report(err)
				continue
			}
			staged = append(staged, proto.ConfigEntry{Name: words[1], Value: value})
			fmt.Printf("staged %d entries\n", len(staged))
		case "commit":
			current = start(s, task.KindConfigCommit, task.Params{Entries: staged})
			staged = nil
		case "selftest":
			current = start(s, task.KindSelfTest, task.Params{})
		case "ident":
			current = start(s, task.KindMotorIdent, task.Params{})
		case "upload":
			if len(words) < 2 {
				fmt.Println("upload <file>")
				continue
			}
			image, err := ioutil.ReadFile(words[1])
			if err != nil {
				report(err)
				continue
			}
			current = start(s, task.KindFirmwareUpload, task.Params{Image: image})
		case "cancel":
			if current == nil {
				fmt.Println("no task")
				continue
			}
			current.Cancel()
		default:
			if words[0][0] == 's' {
				if ms, err := strconv.ParseUint(words[0][1:], 10, 32); err == nil {
					time.Sleep(time.Duration(ms) * time.Millisecond)
					continue
				}
			}
			fmt.Println(usage)
		}
	}
}

func start(s *session.Session, kind task.Kind, params task.Params) *task.Task {
	t, err := s.SubmitTask(kind, params)
	if err != nil {
		report(err)
		return nil
	}
	fmt.Printf("started %s\n", kind)
	return t
}

func report(err error) {
	if err != nil {
		fmt.Printf("error: %v\n", err)
	} else {
		fmt.Println("ok")
	}
}

func drainEvents(s *session.Session) {
	for e := range s.Events() {
		switch e.Kind {
		case session.EventLogLine:
			fmt.Printf("device: %s", e.Line)
		case session.EventTask:
			fmt.Printf("%s\n", &e.Task)
		case session.EventDisconnected:
			if e.Err != nil {
				fmt.Printf("disconnected: %v\n", e.Err)
				os.Exit(1)
			}
			fmt.Println("disconnected")
			return
		}
	}
}
