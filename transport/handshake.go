package transport

// Stream 0 carries the TLS handshake. Contiguous received bytes are fed to
// the engine and its output is sunk back into the stream-0 send buffer; when
// the engine reports completion the peer's transport parameters are
// committed and the 1-RTT keys are installed.

func (c *Conn) processStream0() error {
	st0 := c.streams[0]
	for {
		avail := st0.recv.available()
		if len(avail) == 0 {
			break
		}
		consumed, out, err := c.handshake.Handshake(avail)
		if err != nil {
			return newError(InvalidStreamData, sprint("handshake: ", err))
		}
		if c.isClient && c.state == stateBeforeSH {
			// First server flight observed.
			c.state = stateBeforeSF
		}
		if consumed > 0 {
			st0.consume(consumed)
		}
		if len(out) > 0 {
			if _, err := st0.send.write(out); err != nil {
				return err
			}
		}
		if consumed == 0 {
			break
		}
	}
	if c.handshake.Complete() && c.state != state1RTTEncrypted {
		return c.setup1RTT()
	}
	return nil
}

// setup1RTT commits the peer's transport parameters, exports the two 1-RTT
// secrets and installs the phase-0 AEAD contexts. Any underlying failure is
// propagated.
func (c *Conn) setup1RTT() error {
	raw := c.handshake.PeerTransportParams()
	var params Parameters
	if c.isClient {
		supported, p, err := decodeServerParams(raw)
		if err != nil {
			return err
		}
		found := false
		for _, v := range supported {
			if v == c.version {
				found = true
				break
			}
		}
		if !found {
			return newError(VersionNegotiationMismatch, "negotiated version not offered by server")
		}
		params = p
	} else {
		negotiated, _, p, err := decodeClientParams(raw)
		if err != nil {
			return err
		}
		if negotiated != c.version {
			return newError(VersionNegotiationMismatch, "peer negotiated a different version")
		}
		params = p
	}
	debug("peer transport params: %+v", params)
	c.peerParams = params
	c.maxDataPermitted = uint64(params.InitialMaxData) * 1024
	for _, st := range c.streams {
		if uint64(params.InitialMaxStreamData) > st.maxStreamData {
			st.maxStreamData = uint64(params.InitialMaxStreamData)
		}
	}

	clientSecret, err := c.handshake.ExportSecret(ExporterLabelClient)
	if err != nil {
		return err
	}
	serverSecret, err := c.handshake.ExportSecret(ExporterLabelServer)
	if err != nil {
		return err
	}
	if c.isClient {
		c.egress.secret, c.ingress.secret = clientSecret, serverSecret
	} else {
		c.egress.secret, c.ingress.secret = serverSecret, clientSecret
	}
	if c.egress.aead[keyPhase0], err = c.handshake.NewAEAD(c.egress.secret); err != nil {
		return err
	}
	if c.ingress.aead[keyPhase0], err = c.handshake.NewAEAD(c.ingress.secret); err != nil {
		return err
	}
	c.state = state1RTTEncrypted
	return nil
}
