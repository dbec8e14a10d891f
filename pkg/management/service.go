// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package management

import (
	"fmt"
	"net"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Service listens for management clients. The intended lifecycle is the
// Start/Stop pair; requests run on the accept goroutine and serialize
// onto the bus thread through the executor.
type Service struct {
	executor *Executor

	// Token, when set, must match the "token" parameter of every
	// command.
	Token string

	listener net.Listener
	wg       sync.WaitGroup
}

func NewService(e *Executor) *Service {
	return &Service{executor: e}
}

// Start binds the given port and serves requests until Stop.
func (s *Service) Start(port int) error {
	if port < 1 || port > 65535 {
		return errors.Errorf("invalid port %d (1-65535)", port)
	}

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrapf(err, "can't listen on port %d", port)
	}
	s.listener = l

	s.wg.Add(1)
	go s.accept()

	log.Infof("Management service is listening on port %d", port)
	return nil
}

// Stop closes the listener and waits for the accept loop.
func (s *Service) Stop() {
	if s.listener != nil {
		s.listener.Close()
		s.wg.Wait()
		s.listener = nil
	}
}

func (s *Service) accept() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.serve(conn)
	}
}

// serve handles the requests of one connection.
func (s *Service) serve(conn net.Conn) {
	defer conn.Close()

	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			return
		}

		result := s.handle(payload)
		if err := WriteFrame(conn, result.Marshal()); err != nil {
			log.Warnf("Can't write management response: %v", err)
			return
		}
	}
}

func (s *Service) handle(payload []byte) Result {
	cmd, err := UnmarshalCommand(payload)
	if err != nil {
		return errResult("invalid command: %v", err)
	}

	if s.Token != "" && cmd.Params["token"] != s.Token {
		return errResult("authentication failed")
	}

	return s.executor.Execute(cmd)
}
