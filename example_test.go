package serialcomm_test

import (
	"context"
	"fmt"
	"time"

	"github.com/Station-Manager/serialcomm"
	"github.com/Station-Manager/serialcomm/internal/simport"
)

func Example() {
	// A simulated radio that answers "FA;" with its VFO frequency.
	radio := simport.New().Reply("FA;", simport.Burst{After: 5 * time.Millisecond, Data: []byte("FA00014074000;")})

	reg := serialcomm.NewRegistry(serialcomm.WithOpener(func(string, serialcomm.Config) (serialcomm.Transport, error) {
		return radio, nil
	}))
	defer reg.CloseAll()

	if err := reg.Open("/dev/ttyUSB0", serialcomm.Config{BaudRate: serialcomm.Baud9600}); err != nil {
		fmt.Println("open error:", err)
		return
	}

	req, err := serialcomm.NewTextRequest("FA;", "", 0, serialcomm.FrameParams{
		Silence: 20 * time.Millisecond,
		MaxWait: 500 * time.Millisecond,
	})
	if err != nil {
		fmt.Println("request error:", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := serialcomm.NewTransceiver(reg).SendAndReceive(ctx, "/dev/ttyUSB0", req)
	if err != nil {
		fmt.Println("transceive error:", err)
		return
	}
	text, _ := res.Text("")
	fmt.Println(res.Reason(), text)
	// Output: data-settled FA00014074000;
}
