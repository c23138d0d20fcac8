package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Closi1/Scarlet-messenger/config"
	"github.com/Closi1/Scarlet-messenger/db"
	"github.com/Closi1/Scarlet-messenger/models"
	"github.com/Closi1/Scarlet-messenger/session"
)

const rememberedLoginKey = "remembered_login"

// rememberedLogin is the kv blob behind "remember me": the stored credential
// hash lets the next start resume without re-entering the password.
type rememberedLogin struct {
	Username   string    `json:"username"`
	Credential string    `json:"credential"`
	AutoLogin  bool      `json:"auto_login"`
	Timestamp  time.Time `json:"timestamp"`
}

func main() {
	var (
		username = flag.String("user", "", "account username")
		password = flag.String("pass", "", "account password")
		register = flag.Bool("register", false, "create the account before logging in")
		forget   = flag.Bool("forget", false, "drop the remembered login and exit")
	)
	flag.Parse()

	if levelStr := os.Getenv("SCARLET_LOG_LEVEL"); levelStr != "" {
		if level, err := logrus.ParseLevel(levelStr); err == nil {
			logrus.SetLevel(level)
		}
	}

	cfg := config.Load()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to open database")
	}
	defer database.Close()

	if *forget {
		if err := database.DeleteValue(rememberedLoginKey); err != nil {
			logrus.WithError(err).Fatal("failed to forget login")
		}
		return
	}

	identity, err := login(database, *username, *password, *register)
	if err != nil {
		logrus.WithError(err).Fatal("login failed")
	}

	sess, err := session.New(database, cfg, identity)
	if err != nil {
		logrus.WithError(err).Fatal("failed to build session")
	}

	if err := sess.Start(); err != nil {
		logrus.WithError(err).Fatal("failed to start session")
	}

	go pumpEvents(sess)
	go startControlSocket(cfg.ControlSocket, sess)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logrus.WithField("signal", sig.String()).Info("shutting down")

	sess.Stop()
	os.Remove(cfg.ControlSocket)
}

// login resolves the identity the session runs as. With explicit credentials
// it verifies (optionally registering first) and remembers the credential
// hash; without them it resumes from the remembered login blob.
func login(database *db.DB, username, password string, register bool) (string, error) {
	if username == "" {
		return resumeLogin(database)
	}
	if password == "" {
		return "", errors.New("password required")
	}

	if register {
		if err := database.CreateAccount(username, password); err != nil {
			return "", err
		}
	}

	ok, hash, err := database.VerifyCredential(username, password)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.New("invalid credentials")
	}

	remembered := rememberedLogin{
		Username:   username,
		Credential: hash,
		AutoLogin:  true,
		Timestamp:  time.Now().UTC(),
	}
	if blob, err := json.Marshal(remembered); err == nil {
		if err := database.SetValue(rememberedLoginKey, blob); err != nil {
			logrus.WithError(err).Warn("failed to remember login")
		}
	}

	return username, nil
}

func resumeLogin(database *db.DB) (string, error) {
	blob, err := database.GetValue(rememberedLoginKey)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return "", errors.New("no remembered login, pass -user and -pass")
		}
		return "", err
	}

	var remembered rememberedLogin
	if err := json.Unmarshal(blob, &remembered); err != nil {
		return "", fmt.Errorf("corrupt remembered login: %w", err)
	}
	if !remembered.AutoLogin {
		return "", errors.New("auto-login disabled, pass -user and -pass")
	}

	ok, err := database.VerifyCredentialHash(remembered.Username, remembered.Credential)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.New("remembered login no longer valid")
	}

	logrus.WithField("identity", remembered.Username).Info("resumed remembered login")
	return remembered.Username, nil
}

// pumpEvents polls the session's event queue the way a presentation layer
// would and logs what it sees.
func pumpEvents(sess *session.Session) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		for _, ev := range sess.DrainEvents() {
			switch ev := ev.(type) {
			case models.ContactsChanged:
				logrus.Debug("contact reachability changed")
			case models.GroupMessageReceived:
				logrus.WithFields(logrus.Fields{
					"sender": ev.Message.Sender,
					"group":  ev.Message.Receiver,
				}).Info(ev.Message.Text)
			case models.PrivateMessageReceived:
				logrus.WithFields(logrus.Fields{
					"sender": ev.Message.Sender,
				}).Info(ev.Message.Text)
			}
		}
	}
}

// startControlSocket serves management commands over a unix socket.
func startControlSocket(path string, sess *session.Session) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		logrus.WithError(err).Warn("failed to create control socket")
		return
	}
	defer listener.Close()
	defer os.Remove(path)

	logrus.WithField("path", path).Info("control socket listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}

		go handleControlCommand(sess, conn)
	}
}

func handleControlCommand(sess *session.Session, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)
	if len(parts) == 0 {
		conn.Write([]byte("ERROR|Invalid command\n"))
		return
	}

	switch parts[0] {
	case "stats":
		online := 0
		peers := sess.Contacts()
		for _, peer := range peers {
			if peer.Online {
				online++
			}
		}
		stats := fmt.Sprintf("identity=%s,contacts=%d,online=%d,port=%d",
			sess.Identity(), len(peers), online, sess.Port())
		conn.Write([]byte("OK|" + stats + "\n"))

	case "send":
		if len(parts) < 3 {
			conn.Write([]byte("ERROR|Usage: send|receiver|text\n"))
			return
		}
		if err := sess.SendPrivate(parts[1], parts[2]); err != nil {
			conn.Write([]byte("ERROR|" + err.Error() + "\n"))
			return
		}
		conn.Write([]byte("OK|Stored\n"))

	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		// Give time for the response to be sent
		time.Sleep(100 * time.Millisecond)

		sess.Stop()
		os.Exit(0)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
