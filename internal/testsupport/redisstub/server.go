// Package redisstub implements just enough of the Redis wire protocol to
// back queue and pub/sub integration tests without a real server: lists,
// sorted sets, and pattern pub/sub. It speaks RESP2; protocol negotiation
// commands are answered with errors so clients fall back cleanly.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string

	mu     sync.Mutex
	lists  map[string][]string
	zsets  map[string]map[string]float64
	subs   map[*subscriber]struct{}
	closed chan struct{}

	tlsCert tls.Certificate
	certPEM []byte
	keyPEM  []byte
}

type subscriber struct {
	mu       sync.Mutex
	writer   *bufio.Writer
	channels map[string]struct{}
	patterns map[string]struct{}
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:   opts,
		lists:  make(map[string][]string),
		zsets:  make(map[string]map[string]float64),
		subs:   make(map[*subscriber]struct{}),
		closed: make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var ln net.Listener
	var err error
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

// ListLen reports the current length of a list key, for test assertions.
func (s *Server) ListLen(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lists[key])
}

// ZSetLen reports the current cardinality of a sorted-set key.
func (s *Server) ZSetLen(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.zsets[key])
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	sub := &subscriber{
		writer:   bufio.NewWriter(conn),
		channels: make(map[string]struct{}),
		patterns: make(map[string]struct{}),
	}
	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}()

	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			sub.writeError("ERR wrong number of arguments")
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "PING":
			sub.writeSimpleString("PONG")
		case "HELLO", "CLIENT", "COMMAND":
			// Unsupported negotiation commands. Answering with an error
			// keeps the connection alive and lets clients fall back to
			// plain RESP2.
			sub.writeError("ERR unknown command '" + strings.ToLower(cmd) + "'")
		case "AUTH":
			password := ""
			switch len(args) {
			case 2:
				password = args[1]
			case 3:
				password = args[2]
			default:
				sub.writeError("ERR wrong number of arguments for 'auth'")
				continue
			}
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				sub.writeSimpleString("OK")
			} else {
				sub.writeError("WRONGPASS invalid username-password pair")
			}
		case "SELECT":
			sub.writeSimpleString("OK")
		default:
			if !authenticated {
				sub.writeError("NOAUTH Authentication required.")
				continue
			}
			if !s.dispatch(sub, args) {
				return
			}
		}
	}
}

func (s *Server) dispatch(sub *subscriber, args []string) bool {
	switch strings.ToUpper(args[0]) {
	case "LPUSH", "RPUSH":
		return s.push(sub, args)
	case "BRPOP":
		return s.brpop(sub, args)
	case "RPOP":
		return s.rpop(sub, args)
	case "LLEN":
		if len(args) != 2 {
			return sub.writeError("ERR wrong number of arguments for 'llen'")
		}
		s.mu.Lock()
		length := len(s.lists[args[1]])
		s.mu.Unlock()
		return sub.writeInteger(int64(length))
	case "ZADD":
		return s.zadd(sub, args)
	case "ZRANGEBYSCORE":
		return s.zrangebyscore(sub, args)
	case "ZREM":
		return s.zrem(sub, args)
	case "ZCARD":
		if len(args) != 2 {
			return sub.writeError("ERR wrong number of arguments for 'zcard'")
		}
		s.mu.Lock()
		length := len(s.zsets[args[1]])
		s.mu.Unlock()
		return sub.writeInteger(int64(length))
	case "DEL":
		return s.del(sub, args)
	case "PUBLISH":
		return s.publish(sub, args)
	case "SUBSCRIBE":
		return s.subscribe(sub, args, false)
	case "PSUBSCRIBE":
		return s.subscribe(sub, args, true)
	case "UNSUBSCRIBE":
		return s.unsubscribe(sub, args, false)
	case "PUNSUBSCRIBE":
		return s.unsubscribe(sub, args, true)
	default:
		return sub.writeError("ERR unsupported command '" + args[0] + "'")
	}
}

func (s *Server) push(sub *subscriber, args []string) bool {
	if len(args) < 3 {
		return sub.writeError("ERR wrong number of arguments for 'lpush'")
	}
	key := args[1]
	s.mu.Lock()
	list := s.lists[key]
	for _, value := range args[2:] {
		if strings.ToUpper(args[0]) == "LPUSH" {
			list = append([]string{value}, list...)
		} else {
			list = append(list, value)
		}
	}
	s.lists[key] = list
	length := len(list)
	s.mu.Unlock()
	return sub.writeInteger(int64(length))
}

// brpop blocks by polling; the final argument is the timeout in seconds,
// where zero means wait forever.
func (s *Server) brpop(sub *subscriber, args []string) bool {
	if len(args) < 3 {
		return sub.writeError("ERR wrong number of arguments for 'brpop'")
	}
	keys := args[1 : len(args)-1]
	seconds, err := strconv.ParseFloat(args[len(args)-1], 64)
	if err != nil || seconds < 0 {
		return sub.writeError("ERR timeout is not a float or out of range")
	}
	deadline := time.Now().Add(time.Duration(seconds * float64(time.Second)))
	for {
		s.mu.Lock()
		for _, key := range keys {
			list := s.lists[key]
			if len(list) == 0 {
				continue
			}
			value := list[len(list)-1]
			s.lists[key] = list[:len(list)-1]
			s.mu.Unlock()
			return sub.writeArrayOfBulk([]string{key, value})
		}
		s.mu.Unlock()
		if seconds > 0 && time.Now().After(deadline) {
			return sub.writeNilArray()
		}
		select {
		case <-s.closed:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *Server) rpop(sub *subscriber, args []string) bool {
	if len(args) != 2 {
		return sub.writeError("ERR wrong number of arguments for 'rpop'")
	}
	s.mu.Lock()
	list := s.lists[args[1]]
	if len(list) == 0 {
		s.mu.Unlock()
		return sub.writeNilBulk()
	}
	value := list[len(list)-1]
	s.lists[args[1]] = list[:len(list)-1]
	s.mu.Unlock()
	return sub.writeBulkString(value)
}

func (s *Server) zadd(sub *subscriber, args []string) bool {
	if len(args) < 4 || len(args)%2 != 0 {
		return sub.writeError("ERR wrong number of arguments for 'zadd'")
	}
	key := args[1]
	s.mu.Lock()
	zset := s.zsets[key]
	if zset == nil {
		zset = make(map[string]float64)
		s.zsets[key] = zset
	}
	added := 0
	for i := 2; i+1 < len(args); i += 2 {
		score, err := strconv.ParseFloat(args[i], 64)
		if err != nil {
			s.mu.Unlock()
			return sub.writeError("ERR value is not a valid float")
		}
		if _, exists := zset[args[i+1]]; !exists {
			added++
		}
		zset[args[i+1]] = score
	}
	s.mu.Unlock()
	return sub.writeInteger(int64(added))
}

func (s *Server) zrangebyscore(sub *subscriber, args []string) bool {
	if len(args) < 4 {
		return sub.writeError("ERR wrong number of arguments for 'zrangebyscore'")
	}
	min, err := parseScoreBound(args[2])
	if err != nil {
		return sub.writeError("ERR min or max is not a float")
	}
	max, err := parseScoreBound(args[3])
	if err != nil {
		return sub.writeError("ERR min or max is not a float")
	}
	offset, count := 0, -1
	for i := 4; i < len(args); i++ {
		if strings.ToUpper(args[i]) == "LIMIT" && i+2 < len(args) {
			offset, _ = strconv.Atoi(args[i+1])
			count, _ = strconv.Atoi(args[i+2])
			i += 2
		}
	}

	type scored struct {
		member string
		score  float64
	}
	s.mu.Lock()
	zset := s.zsets[args[1]]
	matches := make([]scored, 0, len(zset))
	for member, score := range zset {
		if score >= min && score <= max {
			matches = append(matches, scored{member: member, score: score})
		}
	}
	s.mu.Unlock()
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score == matches[j].score {
			return matches[i].member < matches[j].member
		}
		return matches[i].score < matches[j].score
	})
	if offset > len(matches) {
		offset = len(matches)
	}
	matches = matches[offset:]
	if count >= 0 && count < len(matches) {
		matches = matches[:count]
	}
	members := make([]string, 0, len(matches))
	for _, m := range matches {
		members = append(members, m.member)
	}
	return sub.writeArrayOfBulk(members)
}

func parseScoreBound(raw string) (float64, error) {
	switch strings.ToLower(raw) {
	case "-inf":
		return -1 << 62, nil
	case "+inf", "inf":
		return 1 << 62, nil
	}
	raw = strings.TrimPrefix(raw, "(")
	return strconv.ParseFloat(raw, 64)
}

func (s *Server) zrem(sub *subscriber, args []string) bool {
	if len(args) < 3 {
		return sub.writeError("ERR wrong number of arguments for 'zrem'")
	}
	s.mu.Lock()
	zset := s.zsets[args[1]]
	removed := 0
	for _, member := range args[2:] {
		if _, exists := zset[member]; exists {
			delete(zset, member)
			removed++
		}
	}
	s.mu.Unlock()
	return sub.writeInteger(int64(removed))
}

func (s *Server) del(sub *subscriber, args []string) bool {
	if len(args) < 2 {
		return sub.writeError("ERR wrong number of arguments for 'del'")
	}
	s.mu.Lock()
	removed := 0
	for _, key := range args[1:] {
		if _, ok := s.lists[key]; ok {
			delete(s.lists, key)
			removed++
		}
		if _, ok := s.zsets[key]; ok {
			delete(s.zsets, key)
			removed++
		}
	}
	s.mu.Unlock()
	return sub.writeInteger(int64(removed))
}

func (s *Server) publish(sub *subscriber, args []string) bool {
	if len(args) != 3 {
		return sub.writeError("ERR wrong number of arguments for 'publish'")
	}
	channel, payload := args[1], args[2]
	s.mu.Lock()
	receivers := make([]*subscriber, 0, len(s.subs))
	for candidate := range s.subs {
		receivers = append(receivers, candidate)
	}
	s.mu.Unlock()
	delivered := 0
	for _, receiver := range receivers {
		delivered += receiver.deliver(channel, payload)
	}
	return sub.writeInteger(int64(delivered))
}

func (s *Server) subscribe(sub *subscriber, args []string, pattern bool) bool {
	if len(args) < 2 {
		return sub.writeError("ERR wrong number of arguments")
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	kind := "subscribe"
	if pattern {
		kind = "psubscribe"
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, target := range args[1:] {
		if pattern {
			sub.patterns[target] = struct{}{}
		} else {
			sub.channels[target] = struct{}{}
		}
		total := int64(len(sub.patterns) + len(sub.channels))
		writeArrayHeader(sub.writer, 3)
		writeBulkRaw(sub.writer, kind)
		writeBulkRaw(sub.writer, target)
		writeIntegerRaw(sub.writer, total)
	}
	return sub.writer.Flush() == nil
}

func (s *Server) unsubscribe(sub *subscriber, args []string, pattern bool) bool {
	kind := "unsubscribe"
	if pattern {
		kind = "punsubscribe"
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	targets := args[1:]
	if len(targets) == 0 {
		if pattern {
			for target := range sub.patterns {
				targets = append(targets, target)
			}
		} else {
			for target := range sub.channels {
				targets = append(targets, target)
			}
		}
	}
	for _, target := range targets {
		if pattern {
			delete(sub.patterns, target)
		} else {
			delete(sub.channels, target)
		}
		total := int64(len(sub.patterns) + len(sub.channels))
		writeArrayHeader(sub.writer, 3)
		writeBulkRaw(sub.writer, kind)
		writeBulkRaw(sub.writer, target)
		writeIntegerRaw(sub.writer, total)
	}
	return sub.writer.Flush() == nil
}

// deliver pushes a published message to the subscriber when one of its
// channels or patterns matches, and reports how many deliveries happened.
func (sub *subscriber) deliver(channel, payload string) int {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	delivered := 0
	if _, ok := sub.channels[channel]; ok {
		writeArrayHeader(sub.writer, 3)
		writeBulkRaw(sub.writer, "message")
		writeBulkRaw(sub.writer, channel)
		writeBulkRaw(sub.writer, payload)
		delivered++
	}
	for pattern := range sub.patterns {
		if !globMatches(pattern, channel) {
			continue
		}
		writeArrayHeader(sub.writer, 4)
		writeBulkRaw(sub.writer, "pmessage")
		writeBulkRaw(sub.writer, pattern)
		writeBulkRaw(sub.writer, channel)
		writeBulkRaw(sub.writer, payload)
		delivered++
	}
	if delivered > 0 {
		_ = sub.writer.Flush()
	}
	return delivered
}

// globMatches supports the trailing-asterisk patterns the tests use.
func globMatches(pattern, channel string) bool {
	if prefix, found := strings.CutSuffix(pattern, "*"); found {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}

func (sub *subscriber) writeSimpleString(value string) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	fmt.Fprintf(sub.writer, "+%s\r\n", value)
	return sub.writer.Flush() == nil
}

func (sub *subscriber) writeError(msg string) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	fmt.Fprintf(sub.writer, "-%s\r\n", msg)
	return sub.writer.Flush() == nil
}

func (sub *subscriber) writeInteger(value int64) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	writeIntegerRaw(sub.writer, value)
	return sub.writer.Flush() == nil
}

func (sub *subscriber) writeBulkString(value string) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	writeBulkRaw(sub.writer, value)
	return sub.writer.Flush() == nil
}

func (sub *subscriber) writeNilBulk() bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.writer.WriteString("$-1\r\n")
	return sub.writer.Flush() == nil
}

func (sub *subscriber) writeNilArray() bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.writer.WriteString("*-1\r\n")
	return sub.writer.Flush() == nil
}

func (sub *subscriber) writeArrayOfBulk(values []string) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	writeArrayHeader(sub.writer, len(values))
	for _, value := range values {
		writeBulkRaw(sub.writer, value)
	}
	return sub.writer.Flush() == nil
}

func writeArrayHeader(w *bufio.Writer, length int) {
	fmt.Fprintf(w, "*%d\r\n", length)
}

func writeBulkRaw(w *bufio.Writer, value string) {
	fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
}

func writeIntegerRaw(w *bufio.Writer, value int64) {
	fmt.Fprintf(w, ":%d\r\n", value)
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1", "localhost"},
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		// Tolerate inline commands from simple clients.
		if err := r.UnreadByte(); err != nil {
			return nil, err
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		return strings.Fields(strings.TrimSpace(line)), nil
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
