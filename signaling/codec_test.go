package signaling

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/meonardo/videoroom-rtc/internal/errors"
)

type CodecTestSuite struct {
	suite.Suite
}

func TestCodecTestSuite(t *testing.T) {
	suite.Run(t, new(CodecTestSuite))
}

func (s *CodecTestSuite) decode(frame string) Event {
	ev, err := Decode([]byte(frame))
	s.Require().NoError(err)
	return ev
}

func (s *CodecTestSuite) TestMalformedFrame() {
	_, err := Decode([]byte(`{"janus": `))
	s.Require().Error(err)
	s.True(errors.Is(err, ErrMalformedFrame))
}

func (s *CodecTestSuite) TestErrorFrame() {
	ev := s.decode(`{"janus":"error","transaction":"JoinRoom","error":{"code":426,"reason":"No such room"}}`)
	s.Equal(ErrorEvent{Code: 426, Reason: "No such room"}, ev)
}

func (s *CodecTestSuite) TestErrorTakesPrecedenceOverTransaction() {
	// an error reply to Create must never be read as a session id frame
	ev := s.decode(`{"janus":"error","transaction":"Create","error":{"code":403,"reason":"Unauthorized"}}`)
	s.IsType(ErrorEvent{}, ev)
}

func (s *CodecTestSuite) TestSessionCreated() {
	ev := s.decode(`{"janus":"success","transaction":"Create","data":{"id":8941}}`)
	s.Equal(SessionCreatedEvent{SessionID: 8941}, ev)
}

func (s *CodecTestSuite) TestSelfAttached() {
	ev := s.decode(`{"janus":"success","transaction":"Attach","session_id":8941,"data":{"id":771}}`)
	s.Equal(SelfAttachedEvent{HandleID: 771}, ev)
}

func (s *CodecTestSuite) TestPublisherAttached() {
	ev := s.decode(`{"janus":"success","transaction":"Attach.42","data":{"id":772}}`)
	s.Equal(PublisherAttachedEvent{PublisherID: 42, HandleID: 772}, ev)
}

func (s *CodecTestSuite) TestPublisherAttachedBadSuffix() {
	_, err := Decode([]byte(`{"janus":"success","transaction":"Attach.bogus","data":{"id":772}}`))
	s.Require().Error(err)
	s.True(errors.Is(err, ErrMalformedFrame))
}

func (s *CodecTestSuite) TestRoomJoined() {
	ev := s.decode(`{
		"janus":"event","transaction":"JoinRoom","sender":771,
		"plugindata":{"plugin":"janus.plugin.videoroom","data":{
			"videoroom":"joined","room":1234,"description":"demo","id":555,"private_id":99,
			"publishers":[{"id":42,"display":"alice","video_codec":"vp8","audio_codec":"opus"}]}}}`)

	joined, ok := ev.(RoomJoinedEvent)
	s.Require().True(ok)
	s.Equal(int64(555), joined.Room.ID)
	s.Equal(1234, joined.Room.Room)
	s.Equal("demo", joined.Room.Name)
	s.Equal(int64(99), joined.Room.PrivateID)
	s.Require().Len(joined.Room.Publishers, 1)
	s.Equal(Publisher{ID: 42, Display: "alice", VideoCodec: "vp8", AudioCodec: "opus"},
		joined.Room.Publishers[0])
}

func (s *CodecTestSuite) TestRoomJoinedWithoutPlugindata() {
	_, err := Decode([]byte(`{"janus":"event","transaction":"JoinRoom"}`))
	s.Require().Error(err)
	s.True(errors.Is(err, ErrMalformedFrame))
}

func (s *CodecTestSuite) TestConfigureAnswer() {
	ev := s.decode(`{
		"janus":"event","transaction":"Configure","sender":771,
		"jsep":{"type":"answer","sdp":"v=0 answer"}}`)
	s.Equal(RemoteDescriptionEvent{Local: true, JSEP: JSEP{Type: "answer", SDP: "v=0 answer"}}, ev)
}

func (s *CodecTestSuite) TestConfigureAckWithoutJSEP() {
	ev := s.decode(`{"janus":"ack","transaction":"Configure"}`)
	s.IsType(NoOpEvent{}, ev)
}

func (s *CodecTestSuite) TestSubscribeJoinOffer() {
	ev := s.decode(`{
		"janus":"event","transaction":"SubscribeJoin","sender":772,
		"jsep":{"type":"offer","sdp":"v=0 offer"}}`)
	s.Equal(RemoteDescriptionEvent{Sender: 772, JSEP: JSEP{Type: "offer", SDP: "v=0 offer"}}, ev)
}

func (s *CodecTestSuite) TestSubscribeJoinWithoutSender() {
	_, err := Decode([]byte(`{"janus":"event","transaction":"SubscribeJoin","jsep":{"type":"offer","sdp":"x"}}`))
	s.Require().Error(err)
	s.True(errors.Is(err, ErrMalformedFrame))
}

func (s *CodecTestSuite) TestSubscribeStarted() {
	ev := s.decode(`{"janus":"event","transaction":"Start","sender":772}`)
	s.Equal(SubscribeStartedEvent{HandleID: 772}, ev)
}

func (s *CodecTestSuite) TestUnpublishAck() {
	ev := s.decode(`{
		"janus":"event","transaction":"Unpublish","sender":771,
		"plugindata":{"plugin":"janus.plugin.videoroom","data":{"unpublished":"ok"}}}`)
	s.Equal(UnpublishAckEvent{}, ev)
}

func (s *CodecTestSuite) TestUnpublishAckJanusLevel() {
	ev := s.decode(`{"janus":"ack","transaction":"Unpublish"}`)
	s.IsType(NoOpEvent{}, ev)
}

func (s *CodecTestSuite) TestSessionDestroyed() {
	ev := s.decode(`{"janus":"success","transaction":"Destroy","session_id":8941}`)
	s.Equal(SessionDestroyedEvent{}, ev)
}

func (s *CodecTestSuite) TestHangup() {
	ev := s.decode(`{"janus":"hangup","sender":772,"reason":"ICE failed"}`)
	s.Equal(HangupEvent{HandleID: 772, Reason: "ICE failed"}, ev)
}

func (s *CodecTestSuite) TestHangupWithoutReason() {
	ev := s.decode(`{"janus":"hangup","sender":772}`)
	s.Equal(HangupEvent{HandleID: 772, Reason: "no reason"}, ev)
}

func (s *CodecTestSuite) TestRosterUpdateFallback() {
	ev := s.decode(`{
		"janus":"event","sender":771,"transaction":"",
		"plugindata":{"plugin":"janus.plugin.videoroom","data":{
			"videoroom":"event","room":1234,
			"publishers":[{"id":43,"display":"bob"}]}}}`)
	s.Equal(RosterUpdateEvent{Publishers: []Publisher{{ID: 43, Display: "bob"}}}, ev)
}

func (s *CodecTestSuite) TestListParticipants() {
	ev := s.decode(`{
		"janus":"success","transaction":"Listparticipants","sender":771,
		"plugindata":{"plugin":"janus.plugin.videoroom","data":{
			"videoroom":"participants","room":1234,
			"participants":[
				{"id":42,"display":"alice","publisher":true},
				{"id":57,"display":"lurker","publisher":false}]}}}`)

	parts, ok := ev.(ParticipantsEvent)
	s.Require().True(ok)
	s.Equal(1234, parts.Room.Room)
	// subscriber-only participants never enter the roster
	s.Equal([]Publisher{{ID: 42, Display: "alice"}}, parts.Room.Publishers)
}

func (s *CodecTestSuite) TestUnsolicitedAckIsNoOp() {
	ev := s.decode(`{"janus":"ack","transaction":"0f1e2d"}`)
	s.Equal(NoOpEvent{Janus: "ack", Transaction: "0f1e2d"}, ev)
}

func (s *CodecTestSuite) TestEventWithoutPublishersIsNoOp() {
	ev := s.decode(`{
		"janus":"event","sender":771,
		"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"event","room":1234,"leaving":43}}}`)
	s.IsType(NoOpEvent{}, ev)
}

func (s *CodecTestSuite) TestEncodeCreateSession() {
	bs, err := encodeCreateSession(1234)
	s.Require().NoError(err)

	var got map[string]any
	s.Require().NoError(json.Unmarshal(bs, &got))
	s.Equal("create", got["janus"])
	s.Equal("Create", got["transaction"])
	s.Equal(float64(1234), got["room"])
}

func (s *CodecTestSuite) TestEncodeSubscribeJoin() {
	bs, err := encodeSubscribeJoin(8941, 772, 1234, 42)
	s.Require().NoError(err)

	var got struct {
		Janus       string `json:"janus"`
		SessionID   int64  `json:"session_id"`
		HandleID    int64  `json:"handle_id"`
		Transaction string `json:"transaction"`
		Body        struct {
			Request string `json:"request"`
			PType   string `json:"ptype"`
			Room    int    `json:"room"`
			Feed    int64  `json:"feed"`
		} `json:"body"`
	}
	s.Require().NoError(json.Unmarshal(bs, &got))
	s.Equal("message", got.Janus)
	s.Equal(int64(8941), got.SessionID)
	s.Equal(int64(772), got.HandleID)
	s.Equal("SubscribeJoin", got.Transaction)
	s.Equal("join", got.Body.Request)
	s.Equal("subscriber", got.Body.PType)
	s.Equal(1234, got.Body.Room)
	s.Equal(int64(42), got.Body.Feed)
}

func (s *CodecTestSuite) TestEncodeCandidate() {
	bs, err := encodeCandidate(8941, 772, Candidate{
		Candidate:     "candidate:1 1 UDP 2122 10.0.0.1 5000 typ host",
		SDPMid:        "0",
		SDPMLineIndex: 0,
	})
	s.Require().NoError(err)

	var got struct {
		Janus     string `json:"janus"`
		Candidate struct {
			Candidate     string `json:"candidate"`
			SDPMid        string `json:"sdpMid"`
			SDPMLineIndex uint16 `json:"sdpMLineIndex"`
		} `json:"candidate"`
	}
	s.Require().NoError(json.Unmarshal(bs, &got))
	s.Equal("trickle", got.Janus)
	s.Equal("0", got.Candidate.SDPMid)
	s.Contains(got.Candidate.Candidate, "typ host")
}

func (s *CodecTestSuite) TestAttachTransactionRoundTrip() {
	s.Equal("Attach.42", AttachTransaction(42))
}
